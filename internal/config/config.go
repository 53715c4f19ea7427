// Package config loads host settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix: PH_HOST_PLUGIN_DIR=/opt/p.
const EnvPrefix = "PH"

// Settings is the typed view of the host configuration.
type Settings struct {
	Host      HostSettings      `mapstructure:"host"`
	Events    EventSettings     `mapstructure:"events"`
	Installer InstallerSettings `mapstructure:"installer"`
	Database  DatabaseSettings  `mapstructure:"database"`
}

// HostSettings configures plugin discovery and the control loop.
type HostSettings struct {
	PluginDir       string        `mapstructure:"plugin_dir"`
	ConfigDocument  string        `mapstructure:"config_document"`
	BinDir          string        `mapstructure:"bin_dir"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	OverlayInterval time.Duration `mapstructure:"overlay_interval"`
}

// EventSettings configures the event bus.
type EventSettings struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// InstallerSettings configures the archive installer.
type InstallerSettings struct {
	StagingDir   string `mapstructure:"staging_dir"`
	ProcessedDir string `mapstructure:"processed_dir"`
	MaxSuffix    int    `mapstructure:"max_suffix"`
	MaxFileSize  int64  `mapstructure:"max_file_size"`
	MaxTotalSize int64  `mapstructure:"max_total_size"`
	MaxEntries   int    `mapstructure:"max_entries"`
	ScanOnStart  bool   `mapstructure:"scan_on_start"`
}

// DatabaseSettings configures the SQLite install journal. An empty path
// disables the journal.
type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

// LoadConfig reads configuration from file and environment variables.
// A missing config file is not an error.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("plughost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/plughost")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults installs every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host.plugin_dir", "./plugins")
	v.SetDefault("host.config_document", "./plugins/plugins_conf.json")
	v.SetDefault("host.bin_dir", "./bin")
	v.SetDefault("host.tick_interval", "500ms")
	v.SetDefault("host.overlay_interval", "0s")
	v.SetDefault("events.max_depth", 32)
	v.SetDefault("installer.staging_dir", "./plugins/install")
	v.SetDefault("installer.processed_dir", "./plugins/install/processed")
	v.SetDefault("installer.max_suffix", 9)
	v.SetDefault("installer.max_file_size", 64<<20)
	v.SetDefault("installer.max_total_size", 256<<20)
	v.SetDefault("installer.max_entries", 4096)
	v.SetDefault("installer.scan_on_start", true)
	v.SetDefault("database.path", "./data/plughost.db")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8470)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.swagger", false)
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load unmarshals v into Settings and checks the values that have no
// usable zero value.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if s.Host.PluginDir == "" {
		return nil, errors.New("host.plugin_dir must be set")
	}
	if s.Host.ConfigDocument == "" {
		s.Host.ConfigDocument = filepath.Join(s.Host.PluginDir, "plugins_conf.json")
	}
	if s.Host.TickInterval <= 0 {
		return nil, fmt.Errorf("host.tick_interval must be positive, got %s", s.Host.TickInterval)
	}
	if s.Host.OverlayInterval < 0 {
		return nil, fmt.Errorf("host.overlay_interval must not be negative, got %s", s.Host.OverlayInterval)
	}
	if s.Installer.MaxSuffix < 1 {
		return nil, fmt.Errorf("installer.max_suffix must be at least 1, got %d", s.Installer.MaxSuffix)
	}
	return &s, nil
}
