// Package event provides the in-memory implementation of plugin.EventBus.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// DefaultMaxDepth is the nested-publish ceiling used when none is configured.
const DefaultMaxDepth = 32

// SourceHost is the event source for events published by the host itself.
const SourceHost = "host"

// Bus errors.
var (
	ErrRecursionLimit = errors.New("event recursion limit exceeded")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalidPattern = errors.New("invalid pattern")
	ErrNilHandler     = errors.New("nil event handler")
)

// Compile-time interface guards.
var (
	_ plugin.EventBus = (*Bus)(nil)
	_ plugin.EventBus = (*Scoped)(nil)
)

// Bus is an in-memory event bus. Publish is synchronous: every matching
// handler runs in the caller's goroutine, in registration order, before
// Publish returns.
type Bus struct {
	mu       sync.Mutex
	subs     []*subscription // registration order
	nextID   uint64
	maxDepth int
	logger   *zap.Logger

	// active counts dispatches in flight. It bounds nesting for handlers
	// that republish without passing on their ctx.
	active atomic.Int32
}

type subscription struct {
	id      plugin.Handle
	owner   string
	pattern string
	all     bool
	once    bool
	handler plugin.EventHandler
	removed atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxDepth sets the nested-publish ceiling. Values below 1 are ignored.
func WithMaxDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		maxDepth: DefaultMaxDepth,
		logger:   logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Publish dispatches a host-sourced event synchronously.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	return b.PublishEvent(ctx, plugin.Event{Topic: topic, Source: SourceHost, Payload: payload})
}

// PublishEvent dispatches event synchronously to all matching handlers.
// A publish nested deeper than the configured ceiling fails with
// ErrRecursionLimit without affecting the outer dispatch. Depth is the
// larger of the depth carried in ctx and the number of dispatches in flight.
func (b *Bus) PublishEvent(ctx context.Context, ev plugin.Event) error {
	if !ValidTopic(ev.Topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, ev.Topic)
	}
	depth := max(depthFrom(ctx), int(b.active.Load()))
	if depth >= b.maxDepth {
		recursionLimitHits.Inc()
		b.logger.Warn("event recursion limit exceeded",
			zap.String("topic", ev.Topic),
			zap.String("source", ev.Source),
			zap.Int("depth", depth),
		)
		return fmt.Errorf("%w: %q at depth %d", ErrRecursionLimit, ev.Topic, depth)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Snapshot matches; one-shots leave the list before any handler runs.
	b.mu.Lock()
	var matches []*subscription
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.all || Match(s.pattern, ev.Topic) {
			matches = append(matches, s)
			if s.once {
				s.removed.Store(true)
				continue
			}
		}
		kept = append(kept, s)
	}
	clear(b.subs[len(kept):])
	b.subs = kept
	b.mu.Unlock()

	eventsPublished.Inc()
	b.active.Add(1)
	defer b.active.Add(-1)
	inner := context.WithValue(ctx, depthKey{}, depth+1)
	for _, s := range matches {
		if !s.once && s.removed.Load() {
			continue // unsubscribed by an earlier handler of this publish
		}
		b.safeCall(inner, s, ev)
	}
	return nil
}

// Subscribe registers a persistent handler for pattern.
func (b *Bus) Subscribe(pattern string, handler plugin.EventHandler) (plugin.Handle, error) {
	return b.subscribe("", pattern, handler, false)
}

// SubscribeOnce registers a handler that is removed right before its first
// invocation.
func (b *Bus) SubscribeOnce(pattern string, handler plugin.EventHandler) (plugin.Handle, error) {
	return b.subscribe("", pattern, handler, true)
}

// SubscribeAll registers a handler for every topic. It takes its place in
// registration order like any other subscription.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) plugin.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(&subscription{all: true, handler: handler})
}

func (b *Bus) subscribe(owner, pattern string, handler plugin.EventHandler, once bool) (plugin.Handle, error) {
	if handler == nil {
		return 0, ErrNilHandler
	}
	if !ValidPattern(pattern) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(&subscription{
		owner:   owner,
		pattern: pattern,
		once:    once,
		handler: handler,
	}), nil
}

func (b *Bus) addLocked(s *subscription) plugin.Handle {
	b.nextID++
	s.id = plugin.Handle(b.nextID)
	b.subs = append(b.subs, s)
	return s.id
}

// Unsubscribe removes the subscription identified by h. Unknown handles are
// ignored.
func (b *Bus) Unsubscribe(h plugin.Handle) {
	b.removeWhere(func(s *subscription) bool { return s.id == h })
}

// UnsubscribePattern removes every subscription registered with pattern and
// returns how many were removed.
func (b *Bus) UnsubscribePattern(pattern string) int {
	return b.removeWhere(func(s *subscription) bool { return !s.all && s.pattern == pattern })
}

// RemoveOwner removes every subscription owned by owner. The host calls it
// when a plugin is deactivated.
func (b *Bus) RemoveOwner(owner string) int {
	if owner == "" {
		return 0
	}
	return b.removeWhere(func(s *subscription) bool { return s.owner == owner })
}

func (b *Bus) removeWhere(match func(*subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	kept := b.subs[:0]
	for _, s := range b.subs {
		if match(s) {
			s.removed.Store(true)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	clear(b.subs[len(kept):])
	b.subs = kept
	return removed
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.removeWhere(func(*subscription) bool { return true })
}

// Scoped returns a view of the bus whose subscriptions are owned by owner and
// whose events carry owner as their source.
func (b *Bus) Scoped(owner string) *Scoped {
	return &Scoped{bus: b, owner: owner}
}

func (b *Bus) safeCall(ctx context.Context, s *subscription, ev plugin.Event) {
	eventsDelivered.Inc()
	defer func() {
		if r := recover(); r != nil {
			handlerFailures.WithLabelValues("panic").Inc()
			b.logger.Error("event handler panicked",
				zap.String("topic", ev.Topic),
				zap.String("source", ev.Source),
				zap.String("pattern", s.pattern),
				zap.String("owner", s.owner),
				zap.Any("panic", r),
			)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		handlerFailures.WithLabelValues("error").Inc()
		b.logger.Warn("event handler failed",
			zap.String("topic", ev.Topic),
			zap.String("source", ev.Source),
			zap.String("pattern", s.pattern),
			zap.String("owner", s.owner),
			zap.Error(err),
		)
	}
}

// Scoped is a plugin's view of the bus.
type Scoped struct {
	bus   *Bus
	owner string
}

// Publish dispatches an event sourced from the owning plugin.
func (s *Scoped) Publish(ctx context.Context, topic string, payload map[string]any) error {
	return s.bus.PublishEvent(ctx, plugin.Event{Topic: topic, Source: s.owner, Payload: payload})
}

// Subscribe registers a persistent handler owned by the plugin.
func (s *Scoped) Subscribe(pattern string, handler plugin.EventHandler) (plugin.Handle, error) {
	return s.bus.subscribe(s.owner, pattern, handler, false)
}

// SubscribeOnce registers a one-shot handler owned by the plugin.
func (s *Scoped) SubscribeOnce(pattern string, handler plugin.EventHandler) (plugin.Handle, error) {
	return s.bus.subscribe(s.owner, pattern, handler, true)
}

// Unsubscribe removes h if it belongs to this plugin.
func (s *Scoped) Unsubscribe(h plugin.Handle) {
	s.bus.removeWhere(func(sub *subscription) bool { return sub.id == h && sub.owner == s.owner })
}
