package durable

import (
	"context"
	"time"
)

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Statuses      []Status
	ItemKey       string
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether inst passes the filter (Limit is applied by the caller).
func (f InstanceFilter) Match(inst *Instance) bool {
	if f.ItemKey != "" && inst.ItemKey != f.ItemKey {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	// CreateInstance inserts inst. When inst.IdempotencyKey is set and an
	// instance with the same key exists, the existing instance is returned
	// with created=false.
	CreateInstance(ctx context.Context, inst *Instance) (stored *Instance, created bool, err error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	// ListInstances returns matching instances, newest first.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	// DeleteInstance removes the instance with its checkpoints and callbacks.
	DeleteInstance(ctx context.Context, id string) error
}

// CheckpointStore persists step results keyed by (instance, step).
type CheckpointStore interface {
	// GetCheckpoint returns ErrNotFound when the step has not completed.
	GetCheckpoint(ctx context.Context, instanceID, stepName string) (*Checkpoint, error)
	// SaveCheckpoint is first-writer-wins: if a checkpoint already exists
	// for the key it is left untouched and returned.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) (*Checkpoint, error)
	// ListCheckpoints returns checkpoints in execution order.
	ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error)
}

// CallbackStore persists pending callbacks and their resolutions.
type CallbackStore interface {
	// CreateCallback is idempotent per (InstanceID, Name): an existing
	// callback is returned unchanged.
	CreateCallback(ctx context.Context, cb *Callback) (*Callback, error)
	GetCallback(ctx context.Context, id string) (*Callback, error)
	// ResolveCallback records res only if the callback is unresolved and
	// res.Admissible(deadline). It reports whether the write was applied.
	ResolveCallback(ctx context.Context, id string, res Resolution) (bool, error)
	// ListCallbacks returns the callbacks of one instance, oldest first.
	ListCallbacks(ctx context.Context, instanceID string) ([]*Callback, error)
	// ListExpiredCallbacks returns unresolved callbacks with deadline <= now.
	ListExpiredCallbacks(ctx context.Context, now time.Time) ([]*Callback, error)
}

// Store is the full persistence contract used by the executor.
type Store interface {
	InstanceStore
	CheckpointStore
	CallbackStore
	Close() error
}
