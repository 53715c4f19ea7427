package ws

import (
	"time"

	"github.com/HerbHall/plughost/pkg/plugin"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageHello MessageType = "hello"
	MessageEvent MessageType = "event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *plugin.Event `json:"event,omitempty"`
	Data      any           `json:"data,omitempty"`
}

// HelloData is sent once after the connection is accepted.
type HelloData struct {
	Version string `json:"version"`
	Pattern string `json:"pattern"`
}

func eventMessage(ev plugin.Event) Message {
	return Message{Type: MessageEvent, Timestamp: ev.Timestamp, Event: &ev}
}
