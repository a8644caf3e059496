// Package durable runs checkpointed workflows that can suspend on an external
// callback and resume later from a different request.
package durable

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further execution happens in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuspended, StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Instance is one execution of a workflow definition for one item.
type Instance struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	ItemKey        string          `json:"item_key"`
	Status         Status          `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Checkpoint is the recorded result of one named step.
type Checkpoint struct {
	InstanceID string          `json:"instance_id"`
	StepName   string          `json:"step_name"`
	Result     json.RawMessage `json:"result"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ResolutionKind says how a callback was settled.
type ResolutionKind string

const (
	ResolutionSucceeded ResolutionKind = "succeeded"
	ResolutionFailed    ResolutionKind = "failed"
	ResolutionTimedOut  ResolutionKind = "timed_out"
)

// Resolution is the single outcome recorded for a callback.
type Resolution struct {
	Kind       ResolutionKind  `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// Admissible reports whether the resolution may be applied to a callback
// with the given deadline. Timeouts apply at or after the deadline, human
// resolutions only before it.
func (r Resolution) Admissible(deadline time.Time) bool {
	if r.Kind == ResolutionTimedOut {
		return !r.ResolvedAt.Before(deadline)
	}
	return r.ResolvedAt.Before(deadline)
}

// Callback is a suspension point awaiting one external resolution.
type Callback struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instance_id"`
	Name       string      `json:"name"`
	Deadline   time.Time   `json:"deadline"`
	CreatedAt  time.Time   `json:"created_at"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c *Callback) Resolved() bool {
	return c.Resolution != nil
}

// Expired reports whether the deadline has passed at now.
func (c *Callback) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// Snapshot is everything recorded for one instance, used for archiving
// and operator inspection.
type Snapshot struct {
	Instance    *Instance     `json:"instance"`
	Checkpoints []*Checkpoint `json:"checkpoints"`
	Callbacks   []*Callback   `json:"callbacks"`
}
