// Package plugintest provides shared contract tests and fakes for
// plugin.Plugin implementations. Every plugin's test file should call
// TestPluginContract to check conformance.
package plugintest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/plughost/pkg/plugin"
)

// TestPluginContract runs behavioral contract tests against a plugin
// factory. Call it from each plugin's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, "example", example.New)
//	}
func TestPluginContract(t *testing.T, id string, factory plugin.Factory) {
	t.Helper()

	t.Run("OnLoad_succeeds_with_test_deps", func(t *testing.T) {
		deps, _, _, cancel := Deps(id, nil)
		defer cancel()
		if err := factory().OnLoad(context.Background(), deps); err != nil {
			t.Fatalf("OnLoad() error = %v", err)
		}
	})

	t.Run("OnUnload_after_OnLoad", func(t *testing.T) {
		p := factory()
		u, ok := p.(plugin.Unloader)
		if !ok {
			t.Skip("plugin does not implement Unloader")
		}
		deps, _, _, cancel := Deps(id, nil)
		if err := p.OnLoad(context.Background(), deps); err != nil {
			t.Fatalf("OnLoad() error = %v", err)
		}
		cancel()
		if err := u.OnUnload(context.Background()); err != nil {
			t.Fatalf("OnUnload() error = %v", err)
		}
	})

	t.Run("OnTick_after_OnLoad", func(t *testing.T) {
		p := factory()
		tk, ok := p.(plugin.Ticker)
		if !ok {
			t.Skip("plugin does not implement Ticker")
		}
		deps, _, _, cancel := Deps(id, nil)
		defer cancel()
		if err := p.OnLoad(context.Background(), deps); err != nil {
			t.Fatalf("OnLoad() error = %v", err)
		}
		for i := 0; i < 3; i++ {
			tk.OnTick(500 * time.Millisecond)
		}
	})

	t.Run("Info_is_stable", func(t *testing.T) {
		p := factory()
		ip, ok := p.(plugin.InfoProvider)
		if !ok {
			t.Skip("plugin does not implement InfoProvider")
		}
		deps, _, _, cancel := Deps(id, nil)
		defer cancel()
		p.OnLoad(context.Background(), deps)
		if a, b := ip.Info(), ip.Info(); a != b {
			t.Errorf("Info() changed between calls: %q vs %q", a, b)
		}
	})

	t.Run("MenuItems_are_well_formed", func(t *testing.T) {
		p := factory()
		mp, ok := p.(plugin.MenuProvider)
		if !ok {
			t.Skip("plugin does not implement MenuProvider")
		}
		deps, _, _, cancel := Deps(id, nil)
		defer cancel()
		p.OnLoad(context.Background(), deps)
		for _, item := range mp.MenuItems() {
			if item.Label == "" {
				t.Error("menu item with empty label")
			}
			if !validTopic(item.Action) {
				t.Errorf("menu item %q has invalid action topic %q", item.Label, item.Action)
			}
		}
	})

	t.Run("Subscriptions_are_well_formed", func(t *testing.T) {
		p := factory()
		es, ok := p.(plugin.EventSubscriber)
		if !ok {
			t.Skip("plugin does not implement EventSubscriber")
		}
		for _, s := range es.Subscriptions() {
			if s.Pattern == "" {
				t.Error("subscription with empty pattern")
			}
			if s.Handler == nil {
				t.Errorf("subscription %q has nil handler", s.Pattern)
			}
		}
	})
}

func validTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || strings.Contains(seg, "*") {
			return false
		}
	}
	return true
}
