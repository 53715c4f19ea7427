package event

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testBus(opts ...Option) *Bus {
	return NewBus(zap.NewNop(), opts...)
}

func recorder(calls *[]string, name string) plugin.EventHandler {
	return func(_ context.Context, ev plugin.Event) error {
		*calls = append(*calls, name+":"+ev.Topic)
		return nil
	}
}

func mustSubscribe(t *testing.T, b *Bus, pattern string, h plugin.EventHandler) plugin.Handle {
	t.Helper()
	id, err := b.Subscribe(pattern, h)
	if err != nil {
		t.Fatalf("Subscribe(%q) error = %v", pattern, err)
	}
	return id
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.b.c", "a.b", false},
		{"*.updated", "battery.updated", true},
		{"battery.*.warn", "battery.low.warn", true},
		{"battery.*.warn", "battery.low.crit", false},
		{"A.b", "a.b", false},
		{"*", "a", true},
		{"*", "a.b", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestValidation(t *testing.T) {
	for _, p := range []string{"", "a..b", ".a", "a.", "a*", "a.b*c"} {
		if ValidPattern(p) {
			t.Errorf("ValidPattern(%q) = true", p)
		}
	}
	for _, p := range []string{"a", "a.*", "*.*.c"} {
		if !ValidPattern(p) {
			t.Errorf("ValidPattern(%q) = false", p)
		}
	}
	if ValidTopic("a.*") {
		t.Error("ValidTopic(a.*) = true")
	}
}

func TestWildcardSegmentCount(t *testing.T) {
	b := testBus()
	var calls []string
	mustSubscribe(t, b, "a.*", recorder(&calls, "wild"))
	mustSubscribe(t, b, "a.b.c", recorder(&calls, "exact"))

	if err := b.Publish(context.Background(), "a.b", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if want := []string{"wild:a.b"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("after a.b calls = %v, want %v", calls, want)
	}

	calls = nil
	mustSubscribe(t, b, "x.y", recorder(&calls, "other"))
	b.Publish(context.Background(), "a.b.c.d", nil)
	if len(calls) != 0 {
		t.Fatalf("a.b.c.d should match nothing, got %v", calls)
	}
	b.Publish(context.Background(), "a.b.c", nil)
	if want := []string{"exact:a.b.c"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("after a.b.c calls = %v, want %v", calls, want)
	}
}

func TestRegistrationOrder(t *testing.T) {
	b := testBus()
	var calls []string
	mustSubscribe(t, b, "sys.*", recorder(&calls, "1"))
	b.SubscribeAll(recorder(&calls, "all"))
	mustSubscribe(t, b, "sys.start", recorder(&calls, "2"))

	b.Publish(context.Background(), "sys.start", nil)
	want := []string{"1:sys.start", "all:sys.start", "2:sys.start"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestFailureIsolation(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBus(zap.New(core))
	var calls []string
	mustSubscribe(t, b, "t", func(context.Context, plugin.Event) error { panic("boom") })
	mustSubscribe(t, b, "t", func(context.Context, plugin.Event) error { return errors.New("bad") })
	mustSubscribe(t, b, "t", recorder(&calls, "ok"))

	if err := b.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if want := []string{"ok:t"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if n := logs.FilterMessage("event handler panicked").Len(); n != 1 {
		t.Errorf("panic log entries = %d, want 1", n)
	}
	if n := logs.FilterMessage("event handler failed").Len(); n != 1 {
		t.Errorf("error log entries = %d, want 1", n)
	}
}

func TestSubscribeOnceResubscribe(t *testing.T) {
	b := testBus()
	fired := 0
	inner := 0
	var handler plugin.EventHandler
	handler = func(context.Context, plugin.Event) error {
		fired++
		_, err := b.Subscribe("job.done", func(context.Context, plugin.Event) error {
			inner++
			return nil
		})
		return err
	}
	if _, err := b.SubscribeOnce("job.done", handler); err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), "job.done", nil)
	if fired != 1 || inner != 0 {
		t.Fatalf("first publish: fired=%d inner=%d, want 1/0", fired, inner)
	}

	b.Publish(context.Background(), "job.done", nil)
	if fired != 1 {
		t.Errorf("one-shot fired again: %d", fired)
	}
	if inner != 1 {
		t.Errorf("re-subscribed handler fired %d times, want 1", inner)
	}
}

func TestSubscribeOnceReentrantPublish(t *testing.T) {
	b := testBus()
	fired := 0
	b.SubscribeOnce("loop", func(ctx context.Context, _ plugin.Event) error {
		fired++
		return b.Publish(ctx, "loop", nil)
	})
	b.Publish(context.Background(), "loop", nil)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestRecursionLimit(t *testing.T) {
	b := testBus(WithMaxDepth(4))
	depth := 0
	var innerErr error
	mustSubscribe(t, b, "echo", func(ctx context.Context, _ plugin.Event) error {
		depth++
		if err := b.Publish(ctx, "echo", nil); err != nil {
			innerErr = err
		}
		return nil
	})
	after := 0
	mustSubscribe(t, b, "echo", func(context.Context, plugin.Event) error {
		after++
		return nil
	})

	if err := b.Publish(context.Background(), "echo", nil); err != nil {
		t.Fatalf("outer Publish() error = %v", err)
	}
	if depth != 4 {
		t.Errorf("handler ran %d times, want 4", depth)
	}
	if !errors.Is(innerErr, ErrRecursionLimit) {
		t.Errorf("inner error = %v, want ErrRecursionLimit", innerErr)
	}
	if after != 4 {
		t.Errorf("second handler ran %d times, want 4", after)
	}
}

func TestRecursionLimit_DetachedContext(t *testing.T) {
	b := testBus(WithMaxDepth(4))
	runs := 0
	var innerErr error
	mustSubscribe(t, b, "a.b", func(context.Context, plugin.Event) error {
		runs++
		if err := b.Publish(context.Background(), "a.b", nil); err != nil {
			innerErr = err
		}
		return nil
	})

	if err := b.Publish(context.Background(), "a.b", nil); err != nil {
		t.Fatalf("outer Publish() error = %v", err)
	}
	if runs != 4 {
		t.Errorf("handler ran %d times, want 4", runs)
	}
	if !errors.Is(innerErr, ErrRecursionLimit) {
		t.Errorf("inner error = %v, want ErrRecursionLimit", innerErr)
	}

	// The in-flight count unwinds once the outer dispatch returns.
	runs = 0
	if err := b.Publish(context.Background(), "a.b", nil); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if runs != 4 {
		t.Errorf("second dispatch ran handler %d times, want 4", runs)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := testBus()
	var calls []string
	h := mustSubscribe(t, b, "t", recorder(&calls, "a"))
	mustSubscribe(t, b, "t", recorder(&calls, "b"))
	b.Unsubscribe(h)
	b.Unsubscribe(plugin.Handle(999))
	b.Publish(context.Background(), "t", nil)
	if want := []string{"b:t"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	b := testBus()
	var second plugin.Handle
	ran := false
	mustSubscribe(t, b, "t", func(context.Context, plugin.Event) error {
		b.Unsubscribe(second)
		return nil
	})
	second = mustSubscribe(t, b, "t", func(context.Context, plugin.Event) error {
		ran = true
		return nil
	})
	b.Publish(context.Background(), "t", nil)
	if ran {
		t.Error("handler removed mid-dispatch still ran")
	}
}

func TestScopedOwnership(t *testing.T) {
	b := testBus()
	alpha := b.Scoped("alpha")
	var sources []string
	if _, err := alpha.Subscribe("x.*", func(_ context.Context, ev plugin.Event) error {
		sources = append(sources, ev.Source)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	alpha.SubscribeOnce("y", func(context.Context, plugin.Event) error { return nil })
	mustSubscribe(t, b, "x.*", func(context.Context, plugin.Event) error { return nil })

	b.Scoped("beta").Publish(context.Background(), "x.a", nil)
	if want := []string{"beta"}; !reflect.DeepEqual(sources, want) {
		t.Errorf("sources = %v, want %v", sources, want)
	}
	if n := b.RemoveOwner("alpha"); n != 2 {
		t.Errorf("RemoveOwner() = %d, want 2", n)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestInvalidInput(t *testing.T) {
	b := testBus()
	if _, err := b.Subscribe("a..b", func(context.Context, plugin.Event) error { return nil }); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("Subscribe(bad) error = %v", err)
	}
	if _, err := b.Subscribe("a", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil) error = %v", err)
	}
	if err := b.Publish(context.Background(), "a.*", nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(wildcard) error = %v", err)
	}
}

func TestUnsubscribePatternAndClear(t *testing.T) {
	b := testBus()
	noop := func(context.Context, plugin.Event) error { return nil }
	mustSubscribe(t, b, "a.*", noop)
	mustSubscribe(t, b, "a.*", noop)
	mustSubscribe(t, b, "b", noop)
	if n := b.UnsubscribePattern("a.*"); n != 2 {
		t.Errorf("UnsubscribePattern() = %d, want 2", n)
	}
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len() after Clear = %d", b.Len())
	}
}
