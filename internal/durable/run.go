package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Run is the handle a Definition uses while executing one instance.
// A Run lives for a single execution pass; after a suspension the next
// pass gets a fresh Run for the same instance.
type Run struct {
	instance *Instance
	store    Store
	registry *Registry
	log      *slog.Logger
}

// ID returns the instance ID.
func (r *Run) ID() string { return r.instance.ID }

// ItemKey returns the key of the item the instance works on.
func (r *Run) ItemKey() string { return r.instance.ItemKey }

// Logger returns a logger tagged with the instance.
func (r *Run) Logger() *slog.Logger { return r.log }

// Input decodes the instance input into v.
func (r *Run) Input(v any) error {
	if len(r.instance.Input) == 0 {
		return Permanent(errors.New("instance has no input"))
	}
	if err := json.Unmarshal(r.instance.Input, v); err != nil {
		return Permanent(fmt.Errorf("decode input: %w", err))
	}
	return nil
}

// Do runs a checkpointed step with no result.
func (r *Run) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := Step(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Lookup decodes the recorded result of a step into v without running it.
// It reports false when the step has no checkpoint.
func (r *Run) Lookup(ctx context.Context, name string, v any) (bool, error) {
	cp, err := r.store.GetCheckpoint(ctx, r.instance.ID, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(cp.Result, v); err != nil {
		return false, fmt.Errorf("decode step %q result: %w", name, err)
	}
	return true, nil
}

// CreateCallback registers a callback owned by this instance. Calling it
// again with the same name returns the same callback.
func (r *Run) CreateCallback(ctx context.Context, name string, timeout time.Duration) (*Callback, error) {
	return r.registry.Create(ctx, r.instance.ID, name, timeout)
}

// Await is the suspension point. It returns the callback's resolution,
// recording it under step name, or ErrSuspended while the callback is
// pending. An expired callback resolves as ResolutionTimedOut.
func (r *Run) Await(ctx context.Context, name string, cb *Callback) (*Resolution, error) {
	res, err := Step(ctx, r, name, func(ctx context.Context) (*Resolution, error) {
		current, err := r.registry.Check(ctx, cb.ID)
		if errors.Is(err, ErrNotFound) {
			return nil, Permanent(fmt.Errorf("callback %s vanished", cb.ID))
		}
		if err != nil {
			return nil, err
		}
		if !current.Resolved() {
			r.log.Debug("awaiting callback",
				slog.String("callback_id", cb.ID),
				slog.Time("deadline", current.Deadline))
			return nil, ErrSuspended
		}
		return current.Resolution, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, Permanent(fmt.Errorf("step %q recorded an empty resolution", name))
	}
	return res, nil
}
