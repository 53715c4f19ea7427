package plugin

import (
	"context"
	"time"
)

// Event represents a message on the event bus.
type Event struct {
	Topic     string         `json:"topic"`
	Source    string         `json:"source"` // Plugin id that emitted the event, or "host"
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventHandler processes events from the bus. A returned error is logged by
// the bus and does not stop delivery to the remaining handlers. Handlers that
// publish must pass the ctx they were given so nesting depth is tracked.
type EventHandler func(ctx context.Context, event Event) error

// Handle identifies a subscription. The zero Handle is never issued.
type Handle uint64

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events (follows io.Writer pattern).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// Subscriber registers handlers for topic patterns. A pattern is a dotted
// topic in which a "*" segment matches exactly one segment.
type Subscriber interface {
	Subscribe(pattern string, handler EventHandler) (Handle, error)
	SubscribeOnce(pattern string, handler EventHandler) (Handle, error)
	Unsubscribe(h Handle)
}

// EventBus provides publish/subscribe for inter-plugin communication.
type EventBus interface {
	Publisher
	Subscriber
}

// Subscription declares a pattern subscription for EventSubscriber plugins.
type Subscription struct {
	Pattern string
	Handler EventHandler
	Once    bool
}
