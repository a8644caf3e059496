package webhooks

import (
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/recap/internal/durable"
)

// Event is the delivered payload.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      InstanceEvent `json:"data"`
}

// InstanceEvent describes the instance that changed state.
type InstanceEvent struct {
	InstanceID string         `json:"instance_id"`
	Workflow   string         `json:"workflow"`
	ItemKey    string         `json:"item_key"`
	Status     durable.Status `json:"status"`
	Attempts   int            `json:"attempts,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// NewEvent wraps a lifecycle event for delivery.
func NewEvent(ev durable.Event) *Event {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      ev.Type,
		Timestamp: ts,
		Data: InstanceEvent{
			InstanceID: ev.InstanceID,
			Workflow:   ev.Workflow,
			ItemKey:    ev.ItemKey,
			Status:     ev.Status,
			Attempts:   ev.Attempts,
			Error:      ev.Error,
		},
	}
}
