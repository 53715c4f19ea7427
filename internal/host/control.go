package host

import (
	"context"
	"fmt"

	"github.com/HerbHall/plughost/internal/installer"
	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/registry"
	"go.uber.org/zap"
)

// SetEnabled persists a plugin's enabled flag. Disabling an active plugin
// deactivates it immediately; enabling takes effect on the next Reload.
// A persistence failure is logged and the in-memory change still applies.
func (h *Host) SetEnabled(ctx context.Context, id string, enabled bool) error {
	h.mu.Lock()
	defer h.unlock()

	rec, ok := h.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if err := h.conf.SetEnabled(id, enabled); err != nil {
		h.logger.Warn("enabled flag not persisted", zap.String("plugin", id), zap.Error(err))
	}
	if !enabled && rec.State == registry.StateActive {
		h.deactivateLocked(ctx, id, registry.StateDisabled, nil)
	}
	h.reg.SetEnabled(id, enabled)
	return nil
}

// ToggleOption flips a boolean option and returns its new value. The
// plugin's OnConfigChanged runs on the control thread before it returns.
func (h *Host) ToggleOption(id, key string) (bool, error) {
	h.mu.Lock()
	defer h.unlock()
	opt, err := h.option(id, key)
	if err != nil {
		return false, err
	}
	if opt.Type != manifest.TypeBoolean {
		return false, fmt.Errorf("%w: %s.%s is %s", ErrNotToggleable, id, key, opt.Type)
	}
	cur, _ := h.conf.GetValue(id, key, opt.Default).(bool)
	if err := h.conf.SetValue(id, key, !cur); err != nil {
		return cur, err
	}
	return !cur, nil
}

// SetOption validates and stores a declared option value.
func (h *Host) SetOption(id, key string, value any) error {
	h.mu.Lock()
	defer h.unlock()
	if _, err := h.option(id, key); err != nil {
		return err
	}
	return h.conf.SetValue(id, key, value)
}

func (h *Host) option(id, key string) (manifest.Option, error) {
	rec, ok := h.reg.Get(id)
	if !ok {
		return manifest.Option{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	opt, ok := rec.Manifest.ConfigSchema.Lookup(key)
	if !ok {
		return manifest.Option{}, fmt.Errorf("%w: %s.%s", ErrUnknownOption, id, key)
	}
	return opt, nil
}

// Rescan installs every archive waiting in the staging directory and reloads
// the plugin set when at least one package was installed.
func (h *Host) Rescan(ctx context.Context) ([]*installer.Job, error) {
	if h.installer == nil {
		return nil, ErrNoInstaller
	}
	h.mu.Lock()
	defer h.unlock()

	jobs, err := h.installer.ScanAndInstall(ctx)
	installed := 0
	for _, job := range jobs {
		if job.Outcome == installer.OutcomeInstalled {
			installed++
		}
		h.publish(ctx, TopicJobPrefix+string(job.Outcome), map[string]any{
			"job":     job.ID,
			"source":  job.SourcePath,
			"plugin":  job.PluginID,
			"path":    job.InstalledPath,
			"outcome": string(job.Outcome),
			"error":   job.ErrorDetail,
		})
	}
	if installed > 0 && h.started {
		h.reloadLocked(ctx)
	}
	return jobs, err
}

// Plugins returns every registered plugin ordered by priority then id.
func (h *Host) Plugins() []registry.Record { return h.reg.Records() }

// Plugin returns one plugin record.
func (h *Host) Plugin(id string) (registry.Record, bool) { return h.reg.Get(id) }

// OptionValues returns the effective option values of a plugin.
func (h *Host) OptionValues(id string) map[string]any { return h.conf.Values(id) }
