package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

func cand(id string, priority int, deps ...string) Candidate {
	return Candidate{ID: id, Priority: priority, Dependencies: deps}
}

func enabledSet(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestResolve_AcyclicOrder(t *testing.T) {
	cs := []Candidate{
		cand("ui", 10, "core", "net"),
		cand("net", 50, "core"),
		cand("core", 200),
		cand("log", 100),
	}
	res := Resolve(cs, enabledSet("ui", "net", "core", "log"), nil)

	// Pass 1: core, log (by priority: log 100 < core 200). Pass 2: net. Pass 3: ui.
	want := []string{"log", "core", "net", "ui"}
	if !reflect.DeepEqual(res.Order, want) {
		t.Fatalf("Order = %v, want %v", res.Order, want)
	}
	if res.Passes != 3 {
		t.Errorf("Passes = %d, want 3", res.Passes)
	}
	pos := make(map[string]int)
	for i, id := range res.Order {
		pos[id] = i
	}
	for _, c := range cs {
		for _, dep := range c.Dependencies {
			if pos[dep] > pos[c.ID] {
				t.Errorf("%s activated before its dependency %s", c.ID, dep)
			}
		}
	}
	if len(res.Skipped) != 0 || len(res.Failed) != 0 {
		t.Errorf("Skipped = %v, Failed = %v", res.Skipped, res.Failed)
	}
}

func TestResolve_TiesBrokenByID(t *testing.T) {
	cs := []Candidate{cand("zeta", 100), cand("alpha", 100), cand("mid", 100)}
	res := Resolve(cs, enabledSet("zeta", "alpha", "mid"), nil)
	if want := []string{"alpha", "mid", "zeta"}; !reflect.DeepEqual(res.Order, want) {
		t.Errorf("Order = %v, want %v", res.Order, want)
	}
}

func TestResolve_CycleFullySkipped(t *testing.T) {
	cs := []Candidate{
		cand("a", 100, "c"),
		cand("b", 100, "a"),
		cand("c", 100, "b"),
		cand("d", 100, "a"),
		cand("free", 100),
	}
	var activated []string
	res := Resolve(cs, enabledSet("a", "b", "c", "d", "free"), func(id string) error {
		activated = append(activated, id)
		return nil
	})

	if want := []string{"free"}; !reflect.DeepEqual(activated, want) {
		t.Fatalf("activated = %v, want %v", activated, want)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		unmet, ok := res.Skipped[id]
		if !ok {
			t.Errorf("%s not skipped", id)
			continue
		}
		if !errors.Is(unmet, ErrUnmetDependency) {
			t.Errorf("%s reason = %v", id, unmet)
		}
	}
	if got := res.Skipped["a"].Missing; !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("a missing = %v, want [c]", got)
	}
}

func TestResolve_DisabledDependency(t *testing.T) {
	cs := []Candidate{cand("a", 100), cand("b", 100, "a")}
	res := Resolve(cs, enabledSet("b"), nil)

	if len(res.Order) != 0 {
		t.Errorf("Order = %v, want empty", res.Order)
	}
	unmet, ok := res.Skipped["b"]
	if !ok {
		t.Fatal("b not skipped")
	}
	if !reflect.DeepEqual(unmet.Missing, []string{"a"}) {
		t.Errorf("Missing = %v, want [a]", unmet.Missing)
	}
	if _, ok := res.Skipped["a"]; ok {
		t.Error("disabled plugin reported as skipped")
	}
}

func TestResolve_ActivationFailureCascades(t *testing.T) {
	cs := []Candidate{
		cand("base", 100),
		cand("child", 100, "base"),
		cand("grandchild", 100, "child"),
		cand("other", 100),
		cand("late", 100, "other"),
	}
	boom := errors.New("boom")
	res := Resolve(cs, enabledSet("base", "child", "grandchild", "other", "late"), func(id string) error {
		if id == "base" {
			return boom
		}
		return nil
	})

	if want := []string{"other", "late"}; !reflect.DeepEqual(res.Order, want) {
		t.Errorf("Order = %v, want %v", res.Order, want)
	}
	err := res.Failed["base"]
	if !errors.Is(err, ErrActivationFailure) || !errors.Is(err, boom) {
		t.Errorf("Failed[base] = %v", err)
	}
	if _, ok := res.Skipped["child"]; !ok {
		t.Error("child not skipped")
	}
	if got := res.Skipped["grandchild"].Missing; !reflect.DeepEqual(got, []string{"child"}) {
		t.Errorf("grandchild missing = %v", got)
	}
}

func TestResolve_PanicIsFailure(t *testing.T) {
	res := Resolve([]Candidate{cand("p", 100)}, enabledSet("p"), func(string) error { panic("bad") })
	if !errors.Is(res.Failed["p"], ErrActivationFailure) {
		t.Errorf("Failed[p] = %v", res.Failed["p"])
	}
}

func TestResolve_SamePassDependencyWaits(t *testing.T) {
	// b becomes ready only in the pass after a activates, even though a
	// sorts first within pass one.
	cs := []Candidate{cand("a", 1), cand("b", 2, "a")}
	res := Resolve(cs, enabledSet("a", "b"), nil)
	if res.Passes != 2 {
		t.Errorf("Passes = %d, want 2", res.Passes)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	cs := []Candidate{
		cand("e", 5, "a"), cand("d", 5), cand("c", 1, "d"),
		cand("b", 5, "a"), cand("a", 9),
	}
	en := enabledSet("a", "b", "c", "d", "e")
	first := Resolve(cs, en, nil).Order
	for i := 0; i < 20; i++ {
		shuffled := append([]Candidate(nil), cs...)
		for j := range shuffled {
			k := (j*7 + i) % len(shuffled)
			shuffled[j], shuffled[k] = shuffled[k], shuffled[j]
		}
		if got := Resolve(shuffled, en, nil).Order; !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d order = %v, want %v", i, got, first)
		}
	}
}

// Registry tests.

type stubPlugin struct{ id string }

func (p *stubPlugin) OnLoad(context.Context, plugin.Dependencies) error { return nil }

func testManifest(id string, priority int, deps ...string) *manifest.Manifest {
	return &manifest.Manifest{ID: id, Name: id, Priority: priority, Dependencies: deps}
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := New(testLogger())
	if err := r.Add(testManifest("a", 100), true, 100); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add(testManifest("a", 100), true, 100); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Add() error = %v, want ErrDuplicate", err)
	}
	r.Add(testManifest("b", 300), false, 300)
	if got, want := r.IDs(), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestRegistry_ActivateStates(t *testing.T) {
	r := New(testLogger())
	r.Add(testManifest("a", 100), false, 100)
	r.Add(testManifest("b", 100, "a"), true, 100)
	r.Add(testManifest("c", 50), true, 50)
	r.Add(testManifest("d", 100), true, 100)

	res := r.Activate(func(id string) error {
		if id == "d" {
			return errors.New("no")
		}
		r.SetInstance(id, &stubPlugin{id: id})
		return nil
	})

	if want := []string{"c"}; !reflect.DeepEqual(res.Order, want) {
		t.Errorf("Order = %v, want %v", res.Order, want)
	}
	states := map[string]State{"a": StateDisabled, "b": StateFailed, "c": StateActive, "d": StateFailed}
	for id, want := range states {
		rec, ok := r.Get(id)
		if !ok {
			t.Fatalf("Get(%s) missing", id)
		}
		if rec.State != want {
			t.Errorf("%s state = %s, want %s", id, rec.State, want)
		}
	}
	rec, _ := r.Get("b")
	var unmet *UnmetDependencyError
	if !errors.As(rec.Err, &unmet) || !reflect.DeepEqual(unmet.Missing, []string{"a"}) {
		t.Errorf("b error = %v", rec.Err)
	}
	if _, ok := r.Resolve("a"); ok {
		t.Error("disabled plugin resolvable")
	}
	if _, ok := r.Resolve("c"); !ok {
		t.Error("active plugin not resolvable")
	}
	// Failed and skipped plugins stay visible.
	if got := len(r.Records()); got != 4 {
		t.Errorf("Records() len = %d, want 4", got)
	}
}

func TestRegistry_DependencyVisibleDuringActivation(t *testing.T) {
	r := New(testLogger())
	r.Add(testManifest("base", 100), true, 100)
	r.Add(testManifest("user", 100, "base"), true, 100)

	var sawBase bool
	r.Activate(func(id string) error {
		if id == "user" {
			_, sawBase = r.Resolve("base")
		}
		r.SetInstance(id, &stubPlugin{id: id})
		return nil
	})
	if !sawBase {
		t.Error("dependency not resolvable while dependent activates")
	}
}

func TestRegistry_DeactivateAndOrder(t *testing.T) {
	r := New(testLogger())
	r.Add(testManifest("x", 30), true, 30)
	r.Add(testManifest("y", 10, "x"), true, 10)
	r.Add(testManifest("z", 20), true, 20)
	r.Activate(func(id string) error {
		r.SetInstance(id, &stubPlugin{id: id})
		return nil
	})

	ids := func(rs []Record) []string {
		var out []string
		for _, rec := range rs {
			out = append(out, rec.ID())
		}
		return out
	}
	if got, want := ids(r.Active()), []string{"z", "x", "y"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Active() = %v, want %v", got, want)
	}
	if got, want := ids(r.ByPriority()), []string{"y", "z", "x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ByPriority() = %v, want %v", got, want)
	}

	prev, ok := r.Deactivate("z", StateDisabled, nil)
	if !ok || prev.Instance == nil {
		t.Fatalf("Deactivate() = %+v, %v", prev, ok)
	}
	if _, ok := r.Deactivate("z", StateDisabled, nil); ok {
		t.Error("second Deactivate() = true")
	}
	if got, want := ids(r.Active()), []string{"x", "y"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Active() after deactivate = %v, want %v", got, want)
	}

	// A second Activate leaves the disabled record alone.
	res := r.Activate(func(id string) error {
		t.Errorf("unexpected activation of %s", id)
		return nil
	})
	if len(res.Order) != 0 {
		t.Errorf("second Activate() order = %v", res.Order)
	}
	if rec, _ := r.Get("z"); rec.State != StateDisabled {
		t.Errorf("z state = %s", rec.State)
	}
}

func TestRegistry_Capabilities(t *testing.T) {
	r := New(testLogger())
	r.Add(testManifest("t", 100), true, 100)
	r.Activate(func(id string) error {
		r.SetInstance(id, &stubPlugin{id: id})
		return nil
	})
	rec, _ := r.Get("t")
	if rec.Caps != 0 {
		t.Errorf("Caps = %s, want none", rec.Caps)
	}
}

func TestRegistry_SetEnabledAndReset(t *testing.T) {
	r := New(testLogger())
	r.Add(testManifest("a", 100), true, 100)
	if !r.SetEnabled("a", false) {
		t.Fatal("SetEnabled() = false")
	}
	if rec, _ := r.Get("a"); rec.State != StateDisabled || rec.Enabled {
		t.Errorf("record = %+v", rec)
	}
	if r.SetEnabled("missing", true) {
		t.Error("SetEnabled(missing) = true")
	}
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d", r.Len())
	}
}

func TestCheckAPIVersion(t *testing.T) {
	r := New(testLogger())
	tests := []struct {
		v       int
		wantErr bool
	}{
		{0, false},
		{plugin.APIVersionCurrent, false},
		{plugin.APIVersionCurrent + 1, true},
		{-1, true},
	}
	for _, tt := range tests {
		m := testManifest("p", 100)
		m.APIVersion = tt.v
		if err := r.CheckAPIVersion(m); (err != nil) != tt.wantErr {
			t.Errorf("CheckAPIVersion(%d) error = %v, wantErr %v", tt.v, err, tt.wantErr)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StatePendingDependencies.String(); got != "pending_dependencies" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}
