package durable

import (
	"context"
	"time"
)

// EventType names an instance lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "instance.started"
	EventSuspended EventType = "instance.suspended"
	EventResumed   EventType = "instance.resumed"
	EventRetrying  EventType = "instance.retrying"
	EventCompleted EventType = "instance.completed"
	EventRejected  EventType = "instance.rejected"
	EventFailed    EventType = "instance.failed"
)

// Event describes one lifecycle transition.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Workflow   string    `json:"workflow"`
	ItemKey    string    `json:"item_key"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

func newEvent(t EventType, inst *Instance) Event {
	return Event{
		Type:       t,
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		ItemKey:    inst.ItemKey,
		Status:     inst.Status,
		Attempts:   inst.Attempts,
		Error:      inst.Error,
		Timestamp:  time.Now().UTC(),
	}
}
