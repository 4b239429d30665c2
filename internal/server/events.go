package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is a lifecycle or execution notification pushed to websocket
// subscribers. Events are advisory; dropping them loses nothing durable.
type Event struct {
	Type      string    `json:"type"` // session.started, command.executed, session.ended, sandbox.reaped
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHub fans events out to websocket subscribers. Slow subscribers have
// events dropped rather than blocking the publisher.
type EventHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]bool
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		subs:   make(map[chan Event]bool),
	}
}

// Publish sends an event to every subscriber without blocking.
func (h *EventHub) Publish(eventType, sessionID, detail string) {
	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function that must be called exactly once.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Handler returns an http.Handler that upgrades to WebSocket and streams
// events until the client disconnects.
func (h *EventHub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *EventHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, cancel := h.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := h.write(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
