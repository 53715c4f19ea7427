package plugintest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/HerbHall/plughost/pkg/plugin"
	"go.uber.org/zap"
)

// Options is an in-memory plugin.Options.
type Options struct {
	mu     sync.Mutex
	values map[string]any
	sets   []string
}

// NewOptions returns an Options seeded with values.
func NewOptions(values map[string]any) *Options {
	o := &Options{values: make(map[string]any, len(values))}
	for k, v := range values {
		o.values[k] = v
	}
	return o
}

func (o *Options) Get(key string, def any) any {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.values[key]; ok {
		return v
	}
	return def
}

func (o *Options) Bool(key string, def bool) bool {
	if b, ok := o.Get(key, def).(bool); ok {
		return b
	}
	return def
}

func (o *Options) String(key string, def string) string {
	if s, ok := o.Get(key, def).(string); ok {
		return s
	}
	return def
}

func (o *Options) Number(key string, def float64) float64 {
	switch n := o.Get(key, def).(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

func (o *Options) List(key string) []string {
	l, _ := o.Get(key, nil).([]string)
	return l
}

func (o *Options) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key] = value
	o.sets = append(o.sets, key)
	return nil
}

// Sets returns the keys written through Set, in order.
func (o *Options) Sets() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sets...)
}

// Bus is a minimal synchronous plugin.EventBus that records publishes.
type Bus struct {
	mu        sync.Mutex
	published []plugin.Event
	subs      map[plugin.Handle]busSub
	next      plugin.Handle
}

type busSub struct {
	pattern string
	once    bool
	handler plugin.EventHandler
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[plugin.Handle]busSub)}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	ev := plugin.Event{Topic: topic, Source: "test", Payload: payload}
	b.mu.Lock()
	b.published = append(b.published, ev)
	var run []plugin.EventHandler
	for h := plugin.Handle(1); h <= b.next; h++ {
		s, ok := b.subs[h]
		if !ok || !matches(s.pattern, topic) {
			continue
		}
		if s.once {
			delete(b.subs, h)
		}
		run = append(run, s.handler)
	}
	b.mu.Unlock()

	for _, h := range run {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("handler for %s: %w", topic, err)
		}
	}
	return nil
}

func (b *Bus) Subscribe(pattern string, h plugin.EventHandler) (plugin.Handle, error) {
	return b.add(pattern, h, false), nil
}

func (b *Bus) SubscribeOnce(pattern string, h plugin.EventHandler) (plugin.Handle, error) {
	return b.add(pattern, h, true), nil
}

func (b *Bus) Unsubscribe(h plugin.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, h)
}

func (b *Bus) add(pattern string, h plugin.EventHandler, once bool) plugin.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = busSub{pattern: pattern, once: once, handler: h}
	return b.next
}

// Published returns every event published so far.
func (b *Bus) Published() []plugin.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]plugin.Event(nil), b.published...)
}

// Topics returns the topics of every published event.
func (b *Bus) Topics() []string {
	var out []string
	for _, ev := range b.Published() {
		out = append(out, ev.Topic)
	}
	return out
}

func matches(pattern, topic string) bool {
	ps, ts := strings.Split(pattern, "."), strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// Services records host service calls.
type Services struct {
	mu       sync.Mutex
	Payloads []string
	Statuses []string
	Canvas   *Surface
	ExecErr  error
}

func (s *Services) ExecPayload(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Payloads = append(s.Payloads, name)
	return s.ExecErr
}

func (s *Services) SetStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses = append(s.Statuses, text)
}

func (s *Services) Surface() plugin.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Canvas == nil {
		s.Canvas = &Surface{Width: 128, Height: 128}
	}
	return s.Canvas
}

// Surface records text drawn on it.
type Surface struct {
	mu     sync.Mutex
	Width  int
	Height int
	Texts  []string
}

func (s *Surface) Size() (int, int) { return s.Width, s.Height }

func (s *Surface) DrawText(_, _ int, text, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
}

// Drawn returns the texts drawn so far.
func (s *Surface) Drawn() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Texts...)
}

type noResolver struct{}

func (noResolver) Resolve(string) (plugin.Plugin, bool) { return nil, false }

// Deps returns a Dependencies bundle backed by the fakes above. The lifetime
// context is canceled by cancel.
func Deps(id string, opts *Options) (deps plugin.Dependencies, bus *Bus, svc *Services, cancel context.CancelFunc) {
	logger, _ := zap.NewDevelopment()
	if opts == nil {
		opts = NewOptions(nil)
	}
	bus = NewBus()
	svc = &Services{}
	ctx, cancel := context.WithCancel(context.Background())
	deps = plugin.Dependencies{
		ID:       id,
		Logger:   logger.Named(id),
		Options:  opts,
		Bus:      bus,
		Plugins:  noResolver{},
		Services: svc,
		Lifetime: ctx,
	}
	return deps, bus, svc, cancel
}
