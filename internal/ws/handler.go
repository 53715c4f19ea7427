// Package ws streams event bus traffic to WebSocket clients.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/plughost/internal/event"
	"github.com/HerbHall/plughost/internal/version"
	"github.com/HerbHall/plughost/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Handler provides the /api/v1/ws/events endpoint.
type Handler struct {
	hub     *Hub
	bus     *event.Bus
	tap     plugin.Handle
	origins []string
	logger  *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler fed by every event on bus. origins
// lists additional allowed Origin host patterns; same-origin requests are
// always accepted.
func NewHandler(bus *event.Bus, origins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:     NewHub(logger),
		bus:     bus,
		origins: origins,
		logger:  logger,
	}
	h.tap = bus.SubscribeAll(func(_ context.Context, ev plugin.Event) error {
		h.hub.Broadcast(eventMessage(ev))
		return nil
	})
	return h
}

// Close detaches the handler from the bus.
func (h *Handler) Close() {
	h.bus.Unsubscribe(h.tap)
}

// Hub returns the underlying client hub.
func (h *Handler) Hub() *Hub { return h.hub }

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// handleEvents upgrades the connection and streams events. The optional
// "pattern" query parameter restricts the stream to matching topics.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern != "" && !event.ValidPattern(pattern) {
		http.Error(w, fmt.Sprintf("invalid topic pattern %q", pattern), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		remote:  r.RemoteAddr,
		pattern: pattern,
		send:    make(chan Message, sendBuffer),
		logger:  h.logger,
	}

	ctx := r.Context()
	helloCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = wsjson.Write(helloCtx, conn, Message{
		Type:      MessageHello,
		Timestamp: time.Now(),
		Data:      HelloData{Version: version.Short(), Pattern: pattern},
	})
	cancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	h.hub.Register(client)

	// Run read and write pumps. When either exits, clean up.
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
