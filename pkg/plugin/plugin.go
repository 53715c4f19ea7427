// Package plugin provides the public SDK types for plughost plugins.
// Built-in and installed plugins implement Plugin plus any subset of the
// optional hook interfaces below; the host checks for them once at activation.
package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// API version constants for plugin compatibility checking.
// The host refuses to activate plugins outside the supported range.
const (
	APIVersionMin     = 1 // Oldest Plugin API version this host supports
	APIVersionCurrent = 1 // Current Plugin API version
)

// Plugin is the only hook every plugin must implement.
type Plugin interface {
	// OnLoad activates the plugin with its dependencies. Returning an error
	// (or panicking) marks the plugin Failed; the host keeps running.
	OnLoad(ctx context.Context, deps Dependencies) error
}

// Factory creates a fresh, not yet activated plugin instance. Factories are
// compiled into the host and referenced by a manifest's entry field.
type Factory func() Plugin

// Unloader is implemented by plugins that release resources on deactivation.
type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Ticker is implemented by plugins driven by the host's periodic tick.
// OnTick must not block; long work belongs in a worker goroutine.
type Ticker interface {
	OnTick(dt time.Duration)
}

// ConfigListener is notified after one of the plugin's options changed.
type ConfigListener interface {
	OnConfigChanged(key string, oldValue, newValue any)
}

// InfoProvider returns a short human-readable status panel.
type InfoProvider interface {
	Info() string
}

// MenuProvider contributes entries to the host's menu.
type MenuProvider interface {
	MenuItems() []MenuItem
}

// ButtonHandler reacts to physical button events.
type ButtonHandler interface {
	OnButton(event ButtonEvent)
}

// OverlayRenderer draws small HUD elements on the frame right before it is shown.
type OverlayRenderer interface {
	OnRenderOverlay(surface Surface)
}

// PayloadObserver is notified around payload execution.
type PayloadObserver interface {
	OnBeforeExecPayload(name string)
	OnAfterExecPayload(name string, success bool)
}

// ScanObserver is notified around network scans.
type ScanObserver interface {
	OnBeforeScan(label string, args []string)
	OnAfterScan(label string, args []string, resultPath string)
}

// EventSubscriber declares bus subscriptions the host wires at activation
// and removes at deactivation.
type EventSubscriber interface {
	Subscriptions() []Subscription
}

// Dependencies is the capability bundle handed to every plugin at activation.
type Dependencies struct {
	ID       string          // The plugin's own id
	Logger   *zap.Logger     // Named logger for this plugin
	Options  Options         // Typed view of this plugin's options
	Bus      EventBus        // Scoped bus; subscriptions are owned by this plugin
	Plugins  PluginResolver  // Lookup of other active plugins
	Services HostServices    // Payload execution, status display and drawing
	Lifetime context.Context // Canceled when the plugin is deactivated
}

// Alive reports whether the plugin is still active. Workers must check it
// before acting on state captured earlier.
func (d Dependencies) Alive() bool {
	return d.Lifetime != nil && d.Lifetime.Err() == nil
}

// Options is a typed read/write view of one plugin's configuration.
type Options interface {
	Get(key string, def any) any
	Bool(key string, def bool) bool
	String(key string, def string) string
	Number(key string, def float64) float64
	List(key string) []string
	// Set validates value against the declared option type and persists it.
	Set(key string, value any) error
}

// HostServices is the opaque boundary to the menu, display and payload
// subsystems living outside the plugin host.
type HostServices interface {
	ExecPayload(ctx context.Context, name string) error
	SetStatus(text string)
	Surface() Surface
}

// Surface is a drawing target owned by the rendering loop.
type Surface interface {
	Size() (width, height int)
	DrawText(x, y int, text, color string)
}

// MenuItem is a single entry contributed to the host menu.
type MenuItem struct {
	Label  string `json:"label"`
	Action string `json:"action"` // Event topic published when the item is chosen
}

// ButtonEvent describes a physical button transition.
type ButtonEvent struct {
	Button string    `json:"button"` // e.g. "KEY1", "UP"
	Type   string    `json:"type"`   // "press", "release", "hold"
	At     time.Time `json:"at"`
}

// PluginResolver allows plugins to locate other active plugins by id.
type PluginResolver interface {
	Resolve(id string) (Plugin, bool)
}
