package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Host.TickInterval != 500*time.Millisecond {
		t.Errorf("TickInterval = %s, want 500ms", s.Host.TickInterval)
	}
	if s.Installer.MaxSuffix != 9 {
		t.Errorf("MaxSuffix = %d, want 9", s.Installer.MaxSuffix)
	}
	if s.Installer.MaxTotalSize != 256<<20 || s.Installer.MaxEntries != 4096 {
		t.Errorf("archive limits = %d bytes, %d entries", s.Installer.MaxTotalSize, s.Installer.MaxEntries)
	}
	if s.Events.MaxDepth != 32 {
		t.Errorf("MaxDepth = %d, want 32", s.Events.MaxDepth)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plughost.yaml")
	body := "host:\n  plugin_dir: /srv/plugins\n  tick_interval: 2s\ninstaller:\n  max_suffix: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PH_EVENTS_MAX_DEPTH", "8")

	v, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Host.PluginDir != "/srv/plugins" {
		t.Errorf("PluginDir = %q", s.Host.PluginDir)
	}
	if s.Host.TickInterval != 2*time.Second {
		t.Errorf("TickInterval = %s", s.Host.TickInterval)
	}
	if s.Installer.MaxSuffix != 3 {
		t.Errorf("MaxSuffix = %d", s.Installer.MaxSuffix)
	}
	if s.Events.MaxDepth != 8 {
		t.Errorf("MaxDepth = %d, want 8 from env", s.Events.MaxDepth)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"empty plugin dir", "host.plugin_dir", ""},
		{"zero tick", "host.tick_interval", "0s"},
		{"negative overlay", "host.overlay_interval", "-1s"},
		{"zero suffix", "installer.max_suffix", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.val)
			if _, err := Load(v); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
