package gateway

import (
	"context"
	"log/slog"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

const eventBuffer = 256

// EventHub fans lifecycle events out to WebSocket sessions. It implements
// durable.Observer; events are dropped when the buffer is full.
type EventHub struct {
	sessions *SessionManager
	events   chan durable.Event
	log      *slog.Logger
}

// NewEventHub creates a hub broadcasting to sessions.
func NewEventHub(sessions *SessionManager) *EventHub {
	return &EventHub{
		sessions: sessions,
		events:   make(chan durable.Event, eventBuffer),
		log:      logging.WithComponent("gateway.events"),
	}
}

// Observe implements durable.Observer.
func (h *EventHub) Observe(_ context.Context, ev durable.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("Event stream buffer full, dropping event",
			slog.String("instance_id", ev.InstanceID),
			slog.String("type", string(ev.Type)))
	}
}

// Run publishes queued events to subscribed sessions until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.sessions.Publish(ev, frame(MessageTypeEvent, ev))
		}
	}
}
