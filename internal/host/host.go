// Package host orchestrates the plugin lifecycle: discovery, dependency
// resolution, activation, the periodic tick, hook dispatch and
// deactivation. It owns no global state; everything is injected.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/plughost/internal/configstore"
	"github.com/HerbHall/plughost/internal/event"
	"github.com/HerbHall/plughost/internal/installer"
	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/registry"
	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// Host errors.
var (
	ErrUnknownPlugin    = errors.New("unknown plugin")
	ErrNoFactory        = errors.New("no factory registered for plugin entry")
	ErrNotToggleable    = errors.New("option is not a boolean")
	ErrUnknownOption    = errors.New("unknown option")
	ErrNoInstaller      = errors.New("installer not configured")
	ErrDuplicateEntry   = errors.New("factory already registered")
	ErrAlreadyStarted   = errors.New("host already started")
	ErrNotStarted       = errors.New("host not started")
	ErrDuplicateBuiltin = errors.New("builtin plugin already registered")
)

// Lifecycle event topics published by the host.
const (
	TopicStarted     = "host.started"
	TopicStopping    = "host.stopping"
	TopicActivated   = "host.plugin.activated"
	TopicDeactivated = "host.plugin.deactivated"
	TopicFailed      = "host.plugin.failed"
	TopicJobPrefix   = "installer.job."
)

// Config holds host settings.
type Config struct {
	PluginDir       string
	BinDir          string
	HostVersion     string
	TickInterval    time.Duration
	OverlayInterval time.Duration // 0 disables the overlay loop
}

// Host is the plugin host runtime.
type Host struct {
	// mu serializes lifecycle operations, ticks and hook dispatch so the
	// event bus sees a single logical control thread. Release it with
	// unlock, which delivers queued config notifications first.
	mu sync.Mutex

	notifyMu sync.Mutex
	pending  []configChange

	cfg       Config
	bus       *event.Bus
	conf      *configstore.Store
	reg       *registry.Registry
	installer *installer.Installer
	services  plugin.HostServices
	logger    *zap.Logger

	catalog  map[string]plugin.Factory
	builtins []*manifest.Manifest
	lifetime map[string]context.CancelFunc
	started  bool
}

// Option configures a Host.
type Option func(*Host)

// WithServices sets the external services handed to plugins.
func WithServices(s plugin.HostServices) Option {
	return func(h *Host) { h.services = s }
}

// WithInstaller enables Rescan.
func WithInstaller(in *installer.Installer) Option {
	return func(h *Host) { h.installer = in }
}

// New creates a host. Call Register/RegisterBuiltin before Start.
func New(cfg Config, bus *event.Bus, conf *configstore.Store, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Host {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	h := &Host{
		cfg:      cfg,
		bus:      bus,
		conf:     conf,
		reg:      reg,
		services: noopServices{},
		logger:   logger,
		catalog:  make(map[string]plugin.Factory),
		lifetime: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(h)
	}
	conf.OnChange(h.configChanged)
	return h
}

// Register makes factory available to manifests whose entry is name.
func (h *Host) Register(name string, factory plugin.Factory) error {
	h.mu.Lock()
	defer h.unlock()
	if _, ok := h.catalog[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
	}
	h.catalog[name] = factory
	return nil
}

// RegisterBuiltin registers a plugin whose manifest ships inside the binary.
func (h *Host) RegisterBuiltin(manifestData []byte, factory plugin.Factory) error {
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return fmt.Errorf("builtin manifest: %w", err)
	}
	h.mu.Lock()
	for _, b := range h.builtins {
		if b.ID == m.ID {
			h.unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateBuiltin, m.ID)
		}
	}
	h.builtins = append(h.builtins, m)
	h.unlock()
	return h.Register(m.Entry, factory)
}

// Start discovers and activates plugins.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	h.started = true
	h.reg.Reset()
	h.loadLocked(ctx)
	h.publish(ctx, TopicStarted, map[string]any{"plugins": h.reg.Len(), "active": len(h.reg.Active())})
	return nil
}

// Stop deactivates every active plugin in reverse activation order.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.unlock()
	if !h.started {
		return
	}
	h.publish(ctx, TopicStopping, nil)
	h.unloadAllLocked(ctx)
	h.started = false
}

// Started reports whether Start ran without a matching Stop.
func (h *Host) Started() bool {
	h.mu.Lock()
	defer h.unlock()
	return h.started
}

// Reload deactivates everything, rereads the ConfigDocument, rediscovers
// plugins and resolves again. It is the only way a Failed or Disabled plugin
// becomes Active again.
func (h *Host) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.unlock()
	if !h.started {
		return ErrNotStarted
	}
	h.reloadLocked(ctx)
	return nil
}

func (h *Host) reloadLocked(ctx context.Context) {
	h.logger.Info("reloading plugins")
	h.unloadAllLocked(ctx)
	h.reg.Reset()
	h.conf.Reload()
	h.loadLocked(ctx)
}

func (h *Host) unloadAllLocked(ctx context.Context) {
	active := h.reg.Active()
	for i := len(active) - 1; i >= 0; i-- {
		h.deactivateLocked(ctx, active[i].ID(), registry.StateDiscovered, nil)
	}
}

// Run drives the periodic tick (and the overlay loop when configured) until
// ctx is canceled.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	var overlay <-chan time.Time
	if h.cfg.OverlayInterval > 0 {
		ot := time.NewTicker(h.cfg.OverlayInterval)
		defer ot.Stop()
		overlay = ot.C
	}

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.Tick(now.Sub(last))
			last = now
		case <-overlay:
			h.RenderOverlay(h.services.Surface())
		}
	}
}

// Bus returns the host's event bus.
func (h *Host) Bus() *event.Bus { return h.bus }

// Registry returns the plugin registry.
func (h *Host) Registry() *registry.Registry { return h.reg }

// ConfigStore returns the configuration store.
func (h *Host) ConfigStore() *configstore.Store { return h.conf }

func (h *Host) publish(ctx context.Context, topic string, payload map[string]any) {
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		h.logger.Warn("failed to publish host event", zap.String("topic", topic), zap.Error(err))
	}
}
