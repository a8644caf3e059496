package completion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// EventType is the normalized kind of a tracker webhook event.
type EventType string

const (
	EventItemCreated   EventType = "issue-created"
	EventItemUpdated   EventType = "issue-updated"
	EventItemCommented EventType = "issue-commented"
	EventItemDeleted   EventType = "issue-deleted"
	EventOther         EventType = "other"
)

// ItemStatus is the normalized workflow status of an item.
type ItemStatus string

const (
	StatusOpen       ItemStatus = "open"
	StatusInProgress ItemStatus = "in-progress"
	StatusResolved   ItemStatus = "resolved"
	StatusClosed     ItemStatus = "closed"
	StatusUnknown    ItemStatus = ""
)

// Completed reports whether the status ends the item's work.
func (s ItemStatus) Completed() bool {
	return s == StatusResolved || s == StatusClosed
}

// StatusChange is an explicit status transition carried by an update event.
type StatusChange struct {
	From ItemStatus `json:"from"`
	To   ItemStatus `json:"to"`
}

// Event is a tracker webhook event after adapter normalization.
type Event struct {
	ID           string        `json:"id,omitempty"`
	Source       string        `json:"source"`
	Type         EventType     `json:"type"`
	ItemKey      string        `json:"itemKey"`
	ProjectKey   string        `json:"projectKey"`
	Status       ItemStatus    `json:"status,omitempty"`
	StatusChange *StatusChange `json:"statusChange,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Description  string        `json:"description,omitempty"`
}

// Decision is the eligibility verdict for one event.
type Decision struct {
	Start  *Seed
	Reason string
}

const (
	reasonNotUpdate    = "not an item update event"
	reasonNoItem       = "event carries no item key"
	reasonNotCompleted = "item is not completed"
)

// Decide reports whether ev should start a workflow. Only update events
// qualify. An explicit status change wins over the item's current status;
// only its new value counts, so a repeated completed status still starts.
func Decide(ev Event) Decision {
	if ev.Type != EventItemUpdated {
		return Decision{Reason: reasonNotUpdate}
	}
	if ev.ItemKey == "" {
		return Decision{Reason: reasonNoItem}
	}

	target := ev.Status
	if ev.StatusChange != nil {
		target = ev.StatusChange.To
	}
	if !target.Completed() {
		return Decision{Reason: reasonNotCompleted}
	}

	return Decision{Start: &Seed{
		ItemKey:     ev.ItemKey,
		ProjectKey:  ev.ProjectKey,
		Summary:     ev.Summary,
		Description: ev.Description,
		Status:      target,
		Source:      ev.Source,
		EventID:     ev.ID,
	}}
}

// Starter launches workflow instances.
type Starter interface {
	Start(ctx context.Context, workflow, itemKey string, input any, opts durable.StartOptions) (*durable.Instance, bool, error)
}

// TriggerStatus is what Handle did with an event.
type TriggerStatus string

const (
	TriggerInvoked   TriggerStatus = "invoked"
	TriggerIgnored   TriggerStatus = "ignored"
	TriggerDuplicate TriggerStatus = "duplicate"
)

// TriggerResult is returned to the webhook caller.
type TriggerResult struct {
	Status     TriggerStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	ItemKey    string        `json:"itemKey,omitempty"`
	InstanceID string        `json:"instanceId,omitempty"`
}

// Trigger starts an approval workflow for each eligible event.
type Trigger struct {
	starter Starter
	log     *slog.Logger
}

// NewTrigger creates a trigger backed by starter.
func NewTrigger(starter Starter) *Trigger {
	return &Trigger{
		starter: starter,
		log:     logging.WithComponent("completion.trigger"),
	}
}

// Handle evaluates ev and starts a workflow when it is eligible. Events
// with an ID are deduplicated per source, so a redelivered webhook maps to
// the instance started by the first delivery.
func (t *Trigger) Handle(ctx context.Context, ev Event) (*TriggerResult, error) {
	d := Decide(ev)
	if d.Start == nil {
		t.log.DebugContext(ctx, "Event ignored",
			slog.String("source", ev.Source),
			slog.String("item_key", ev.ItemKey),
			slog.String("reason", d.Reason))
		return &TriggerResult{Status: TriggerIgnored, Reason: d.Reason, ItemKey: ev.ItemKey}, nil
	}

	var opts durable.StartOptions
	if ev.ID != "" {
		opts.IdempotencyKey = ev.Source + ":" + ev.ID
	}

	inst, created, err := t.starter.Start(ctx, WorkflowName, d.Start.ItemKey, d.Start, opts)
	if err != nil {
		return nil, fmt.Errorf("start workflow for %s: %w", d.Start.ItemKey, err)
	}

	res := &TriggerResult{Status: TriggerInvoked, ItemKey: inst.ItemKey, InstanceID: inst.ID}
	if !created {
		res.Status = TriggerDuplicate
		res.Reason = "event already handled"
	}
	t.log.InfoContext(ctx, "Workflow triggered",
		slog.String("item_key", inst.ItemKey),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(res.Status)))
	return res, nil
}
