package host

import (
	"time"

	"github.com/HerbHall/plughost/internal/registry"
	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// MenuEntry is a menu item tagged with the plugin that contributed it.
type MenuEntry struct {
	Plugin string `json:"plugin"`
	plugin.MenuItem
}

// each calls fn for every active plugin that has capability c, in priority order.
// A panic in one plugin is logged and does not stop the others.
func (h *Host) each(c plugin.Capability, hook string, fn func(p plugin.Plugin)) {
	for _, rec := range h.reg.ByPriority() {
		if rec.State != registry.StateActive || !rec.Caps.Has(c) {
			continue
		}
		h.call(rec.ID(), hook, func() { fn(rec.Instance) })
	}
}

func (h *Host) call(id, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			hookPanics.WithLabelValues(hook).Inc()
			h.logger.Error("plugin hook panicked",
				zap.String("plugin", id),
				zap.String("hook", hook),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// Tick advances every ticking plugin by dt.
func (h *Host) Tick(dt time.Duration) {
	h.mu.Lock()
	defer h.unlock()
	start := time.Now()
	h.each(plugin.CapTick, "tick", func(p plugin.Plugin) {
		p.(plugin.Ticker).OnTick(dt)
	})
	tickDuration.Observe(time.Since(start).Seconds())
}

// Button forwards a button event to every plugin handling buttons.
func (h *Host) Button(ev plugin.ButtonEvent) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapButton, "button", func(p plugin.Plugin) {
		p.(plugin.ButtonHandler).OnButton(ev)
	})
}

// RenderOverlay lets every overlay plugin draw on s.
func (h *Host) RenderOverlay(s plugin.Surface) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapOverlay, "overlay", func(p plugin.Plugin) {
		p.(plugin.OverlayRenderer).OnRenderOverlay(s)
	})
}

// BeforeExecPayload notifies payload observers that name is about to run.
func (h *Host) BeforeExecPayload(name string) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapPayload, "before_exec_payload", func(p plugin.Plugin) {
		p.(plugin.PayloadObserver).OnBeforeExecPayload(name)
	})
}

// AfterExecPayload notifies payload observers that name finished.
func (h *Host) AfterExecPayload(name string, success bool) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapPayload, "after_exec_payload", func(p plugin.Plugin) {
		p.(plugin.PayloadObserver).OnAfterExecPayload(name, success)
	})
}

// BeforeScan notifies scan observers that a scan is starting.
func (h *Host) BeforeScan(label string, args []string) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapScan, "before_scan", func(p plugin.Plugin) {
		p.(plugin.ScanObserver).OnBeforeScan(label, args)
	})
}

// AfterScan notifies scan observers that a scan wrote resultPath.
func (h *Host) AfterScan(label string, args []string, resultPath string) {
	h.mu.Lock()
	defer h.unlock()
	h.each(plugin.CapScan, "after_scan", func(p plugin.Plugin) {
		p.(plugin.ScanObserver).OnAfterScan(label, args, resultPath)
	})
}

// MenuItems collects the menu contributions of every active plugin.
func (h *Host) MenuItems() []MenuEntry {
	h.mu.Lock()
	defer h.unlock()
	var out []MenuEntry
	for _, rec := range h.reg.ByPriority() {
		if rec.State != registry.StateActive || !rec.Caps.Has(plugin.CapMenu) {
			continue
		}
		id := rec.ID()
		h.call(id, "menu", func() {
			for _, item := range rec.Instance.(plugin.MenuProvider).MenuItems() {
				out = append(out, MenuEntry{Plugin: id, MenuItem: item})
			}
		})
	}
	return out
}

// PluginInfo returns the info string of an active plugin. It reports false
// when the plugin is not active or does not provide info.
func (h *Host) PluginInfo(id string) (string, bool) {
	h.mu.Lock()
	defer h.unlock()
	rec, ok := h.reg.Get(id)
	if !ok || rec.State != registry.StateActive || !rec.Caps.Has(plugin.CapInfo) {
		return "", false
	}
	var info string
	h.call(id, "info", func() { info = rec.Instance.(plugin.InfoProvider).Info() })
	return info, true
}

// maxNotifyRounds bounds how often config-change hooks may trigger further
// changes before the remaining notifications are dropped.
const maxNotifyRounds = 64

type configChange struct {
	id, key            string
	oldValue, newValue any
}

// configChanged queues a persisted option change for the owning plugin.
// Notifications are delivered by whoever holds the host lock, right before
// it is released, so OnConfigChanged never overlaps another hook. A change
// made from inside a hook is delivered when that hook's dispatch finishes.
func (h *Host) configChanged(id, key string, oldValue, newValue any) {
	h.notifyMu.Lock()
	h.pending = append(h.pending, configChange{id: id, key: key, oldValue: oldValue, newValue: newValue})
	h.notifyMu.Unlock()
	if h.mu.TryLock() {
		h.unlock()
	}
}

// unlock delivers queued config notifications and releases the host lock.
// A notification queued after the release is picked up by retaking the lock
// when it is free; otherwise the current holder delivers it.
func (h *Host) unlock() {
	for {
		h.deliverLocked()
		h.mu.Unlock()
		if !h.hasPending() || !h.mu.TryLock() {
			return
		}
	}
}

func (h *Host) hasPending() bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	return len(h.pending) > 0
}

func (h *Host) takePending() []configChange {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	batch := h.pending
	h.pending = nil
	return batch
}

func (h *Host) deliverLocked() {
	for round := 0; ; round++ {
		batch := h.takePending()
		if len(batch) == 0 {
			return
		}
		if round == maxNotifyRounds {
			h.logger.Warn("config notifications keep cascading, dropping the rest",
				zap.Int("dropped", len(batch)))
			return
		}
		for _, c := range batch {
			rec, ok := h.reg.Get(c.id)
			if !ok || rec.State != registry.StateActive || !rec.Caps.Has(plugin.CapConfig) {
				continue
			}
			h.call(c.id, "config_changed", func() {
				rec.Instance.(plugin.ConfigListener).OnConfigChanged(c.key, c.oldValue, c.newValue)
			})
		}
	}
}
