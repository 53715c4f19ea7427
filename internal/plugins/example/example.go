// Package example is the reference built-in plugin. It implements every
// optional hook so new plugins can copy the parts they need.
package example

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// Manifest is the embedded manifest registered with Host.RegisterBuiltin.
//
//go:embed plugin.yaml
var Manifest []byte

// Event topics.
const (
	TopicCounterTick  = "example.counter.tick"
	TopicCounterReset = "example.counter.reset"
)

// Option keys.
const (
	OptShowCounter    = "show_counter"
	OptRuntimeFeature = "enable_runtime_feature"
	OptLabel          = "label"
)

// counterStep is how much tick time accumulates before the counter advances.
const counterStep = time.Second

// publishEvery is the worker's publish period.
var publishEvery = 5 * time.Second

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Plugin)(nil)
	_ plugin.Unloader        = (*Plugin)(nil)
	_ plugin.Ticker          = (*Plugin)(nil)
	_ plugin.ConfigListener  = (*Plugin)(nil)
	_ plugin.InfoProvider    = (*Plugin)(nil)
	_ plugin.MenuProvider    = (*Plugin)(nil)
	_ plugin.ButtonHandler   = (*Plugin)(nil)
	_ plugin.OverlayRenderer = (*Plugin)(nil)
	_ plugin.PayloadObserver = (*Plugin)(nil)
	_ plugin.ScanObserver    = (*Plugin)(nil)
	_ plugin.EventSubscriber = (*Plugin)(nil)
)

// Plugin counts seconds of host ticks and shows the count as a HUD.
type Plugin struct {
	mu             sync.Mutex
	deps           plugin.Dependencies
	logger         *zap.Logger
	elapsed        time.Duration
	counter        int
	runtimeFeature bool
	lastButton     string
	lastPayload    string
	wg             sync.WaitGroup
}

// New returns an unloaded example plugin. It is the plugin.Factory.
func New() plugin.Plugin {
	return &Plugin{logger: zap.NewNop()}
}

func (p *Plugin) OnLoad(_ context.Context, deps plugin.Dependencies) error {
	p.mu.Lock()
	p.deps = deps
	if deps.Logger != nil {
		p.logger = deps.Logger
	}
	p.elapsed = 0
	p.counter = 0
	feature := deps.Options.Bool(OptRuntimeFeature, true)
	p.runtimeFeature = feature
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker(deps, publishEvery)

	p.logger.Info("loaded", zap.Bool("runtime_feature", feature))
	return nil
}

func (p *Plugin) OnUnload(_ context.Context) error {
	// The host cancels Lifetime before calling OnUnload.
	p.wg.Wait()
	p.logger.Info("unloaded")
	return nil
}

// worker periodically publishes the counter until the plugin is deactivated.
func (p *Plugin) worker(deps plugin.Dependencies, every time.Duration) {
	defer p.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-deps.Lifetime.Done():
			return
		case <-t.C:
		}
		if !deps.Alive() {
			return
		}
		p.mu.Lock()
		count, enabled := p.counter, p.runtimeFeature
		p.mu.Unlock()
		if !enabled {
			continue
		}
		if err := deps.Bus.Publish(deps.Lifetime, TopicCounterTick, map[string]any{"counter": count}); err != nil {
			p.logger.Warn("publish counter", zap.Error(err))
		}
	}
}

func (p *Plugin) OnTick(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.deps.Options.Bool(OptShowCounter, true) {
		return
	}
	p.elapsed += dt
	for p.elapsed >= counterStep {
		p.elapsed -= counterStep
		p.counter++
	}
}

func (p *Plugin) OnConfigChanged(key string, oldValue, newValue any) {
	p.logger.Info("config changed", zap.String("key", key), zap.Any("old", oldValue), zap.Any("new", newValue))
	if key != OptRuntimeFeature {
		return
	}
	on, _ := newValue.(bool)
	p.mu.Lock()
	p.runtimeFeature = on
	p.mu.Unlock()
}

func (p *Plugin) OnButton(ev plugin.ButtonEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.runtimeFeature {
		return
	}
	p.lastButton = ev.Type + " " + ev.Button
	p.logger.Debug("button", zap.String("button", ev.Button), zap.String("type", ev.Type))
}

func (p *Plugin) OnRenderOverlay(s plugin.Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.deps.Options.Bool(OptShowCounter, true) {
		return
	}
	label := p.deps.Options.String(OptLabel, "EX")
	s.DrawText(30, 0, fmt.Sprintf("%s:%d", label, p.counter), "white")
}

func (p *Plugin) OnBeforeExecPayload(name string) {
	p.logger.Info("before payload", zap.String("payload", name))
}

func (p *Plugin) OnAfterExecPayload(name string, success bool) {
	p.mu.Lock()
	p.lastPayload = fmt.Sprintf("%s (success=%v)", name, success)
	p.mu.Unlock()
	p.logger.Info("after payload", zap.String("payload", name), zap.Bool("success", success))
}

func (p *Plugin) OnBeforeScan(label string, args []string) {
	p.logger.Info("before scan", zap.String("label", label), zap.Strings("args", args))
}

func (p *Plugin) OnAfterScan(label string, _ []string, resultPath string) {
	p.logger.Info("after scan", zap.String("label", label), zap.String("result", resultPath))
}

func (p *Plugin) MenuItems() []plugin.MenuItem {
	return []plugin.MenuItem{{Label: "Reset counter", Action: TopicCounterReset}}
}

func (p *Plugin) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Pattern: TopicCounterReset, Handler: p.handleReset},
		{Pattern: "host.plugin.*", Handler: p.handleHostEvent},
	}
}

func (p *Plugin) handleReset(_ context.Context, _ plugin.Event) error {
	p.mu.Lock()
	p.counter = 0
	p.elapsed = 0
	svc := p.deps.Services
	p.mu.Unlock()
	if svc != nil {
		svc.SetStatus("example counter reset")
	}
	return nil
}

func (p *Plugin) handleHostEvent(_ context.Context, ev plugin.Event) error {
	p.logger.Debug("host event", zap.String("topic", ev.Topic), zap.Any("plugin", ev.Payload["plugin"]))
	return nil
}

func (p *Plugin) Info() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := []string{
		"Plugin: example",
		fmt.Sprintf("Counter: %d", p.counter),
		"Runtime Feature: " + onOff(p.runtimeFeature),
	}
	if p.deps.Options != nil {
		lines = append(lines, "Show Counter HUD: "+onOff(p.deps.Options.Bool(OptShowCounter, true)))
	}
	if p.lastButton != "" {
		lines = append(lines, "Last button: "+p.lastButton)
	}
	if p.lastPayload != "" {
		lines = append(lines, "Last payload: "+p.lastPayload)
	}
	return strings.Join(lines, "\n")
}

// Counter returns the current counter value.
func (p *Plugin) Counter() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
