package host

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/registry"
	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// Discover returns the built-in manifests followed by every parsable package
// in the plugin directory, in lexical order. Directories starting with "."
// or "_" are ignored; a later package reusing an earlier id is skipped.
func (h *Host) Discover() []*manifest.Manifest {
	seen := make(map[string]bool)
	var out []*manifest.Manifest
	for _, m := range h.builtins {
		seen[m.ID] = true
		out = append(out, m)
	}

	if h.cfg.PluginDir == "" {
		return out
	}
	entries, err := os.ReadDir(h.cfg.PluginDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("failed to read plugin directory",
				zap.String("dir", h.cfg.PluginDir), zap.Error(err))
		}
		return out
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		dir := filepath.Join(h.cfg.PluginDir, name)
		m, err := manifest.LoadDir(dir)
		if err != nil {
			if !errors.Is(err, manifest.ErrNoMarker) {
				h.logger.Warn("skipping plugin package", zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		if seen[m.ID] {
			h.logger.Warn("duplicate plugin id, skipping package",
				zap.String("plugin", m.ID), zap.String("dir", dir))
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// loadLocked discovers plugins, registers them and resolves activation.
func (h *Host) loadLocked(ctx context.Context) {
	for _, m := range h.Discover() {
		if _, err := h.conf.EnsureEntry(m); err != nil {
			h.logger.Warn("failed to persist config entry",
				zap.String("plugin", m.ID), zap.Error(err))
		}
		enabled := h.conf.Enabled(m.ID)
		priority := h.conf.Priority(m.ID, m.Priority)
		if err := h.reg.Add(m, enabled, priority); err != nil {
			h.logger.Warn("failed to register plugin", zap.String("plugin", m.ID), zap.Error(err))
		}
	}

	res := h.reg.Activate(func(id string) error { return h.activate(ctx, id) })

	// Announced once the registry marks them active, so subscribers can
	// resolve them.
	for _, id := range res.Order {
		rec, ok := h.reg.Get(id)
		if !ok || rec.State != registry.StateActive {
			continue
		}
		h.publish(ctx, TopicActivated, map[string]any{
			"plugin":       id,
			"version":      rec.Manifest.Version,
			"priority":     rec.Priority,
			"capabilities": rec.Caps.Names(),
		})
	}

	for _, id := range slices.Sorted(maps.Keys(res.Skipped)) {
		h.publish(ctx, TopicFailed, map[string]any{
			"plugin":  id,
			"reason":  "unmet_dependency",
			"missing": res.Skipped[id].Missing,
		})
	}
	for _, id := range slices.Sorted(maps.Keys(res.Failed)) {
		h.publish(ctx, TopicFailed, map[string]any{
			"plugin": id,
			"reason": "activation_failed",
			"error":  res.Failed[id].Error(),
		})
	}
}

// activate instantiates and loads one plugin. Any error leaves the plugin
// without subscriptions and with its lifetime canceled.
func (h *Host) activate(ctx context.Context, id string) error {
	rec, ok := h.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	m := rec.Manifest
	if err := h.reg.CheckAPIVersion(m); err != nil {
		return err
	}
	if err := m.CheckHostVersion(h.cfg.HostVersion); err != nil {
		return err
	}
	factory, ok := h.catalog[m.Entry]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoFactory, m.Entry)
	}
	p := factory()
	if p == nil {
		return fmt.Errorf("factory %q returned nil", m.Entry)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	scoped := h.bus.Scoped(id)
	deps := plugin.Dependencies{
		ID:       id,
		Logger:   h.logger.Named(id),
		Options:  h.conf.Options(id),
		Bus:      scoped,
		Plugins:  h.reg,
		Services: h.services,
		Lifetime: lifetime,
	}

	fail := func(err error) error {
		cancel()
		h.bus.RemoveOwner(id)
		return err
	}

	if err := safeLoad(ctx, p, deps); err != nil {
		return fail(err)
	}
	if es, ok := p.(plugin.EventSubscriber); ok {
		for _, s := range es.Subscriptions() {
			subscribe := scoped.Subscribe
			if s.Once {
				subscribe = scoped.SubscribeOnce
			}
			if _, err := subscribe(s.Pattern, s.Handler); err != nil {
				err = fail(fmt.Errorf("subscribe %q: %w", s.Pattern, err))
				if u, ok := p.(plugin.Unloader); ok {
					h.safeUnload(ctx, id, u)
				}
				return err
			}
		}
	}

	if err := h.materializeBin(m); err != nil {
		h.logger.Warn("failed to materialize plugin binaries",
			zap.String("plugin", id), zap.Error(err))
	}

	h.reg.SetInstance(id, p)
	h.lifetime[id] = cancel
	caps := plugin.Capabilities(p)
	h.logger.Info("plugin activated",
		zap.String("plugin", id),
		zap.String("version", m.Version),
		zap.Stringer("capabilities", caps),
	)
	return nil
}

// deactivateLocked unloads an active plugin: it stops receiving ticks and
// hooks, loses its subscriptions, its lifetime is canceled, then OnUnload
// runs.
func (h *Host) deactivateLocked(ctx context.Context, id string, state registry.State, cause error) bool {
	prev, ok := h.reg.Deactivate(id, state, cause)
	if !ok {
		return false
	}
	removed := h.bus.RemoveOwner(id)
	if cancel, ok := h.lifetime[id]; ok {
		cancel()
		delete(h.lifetime, id)
	}
	if u, ok := prev.Instance.(plugin.Unloader); ok {
		h.safeUnload(ctx, id, u)
	}
	h.logger.Info("plugin deactivated",
		zap.String("plugin", id),
		zap.Stringer("state", state),
		zap.Int("subscriptions_removed", removed),
	)
	h.publish(ctx, TopicDeactivated, map[string]any{"plugin": id, "state": state.String()})
	return true
}

func safeLoad(ctx context.Context, p plugin.Plugin, deps plugin.Dependencies) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("OnLoad panicked: %v", r)
		}
	}()
	return p.OnLoad(ctx, deps)
}

func (h *Host) safeUnload(ctx context.Context, id string, u plugin.Unloader) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("plugin OnUnload panicked",
				zap.String("plugin", id), zap.Any("panic", r))
		}
	}()
	if err := u.OnUnload(ctx); err != nil {
		h.logger.Warn("plugin OnUnload failed", zap.String("plugin", id), zap.Error(err))
	}
}
