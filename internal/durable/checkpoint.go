package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetOrCompute returns the recorded result for (instanceID, stepName) or runs
// compute and records its result. Nothing is recorded when compute fails.
// When a concurrent writer won the race the stored result is returned, so
// every caller observes the same value.
func GetOrCompute(ctx context.Context, store CheckpointStore, instanceID, stepName string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	cp, err := store.GetCheckpoint(ctx, instanceID, stepName)
	if err == nil {
		return cp.Result, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load checkpoint %q: %w", stepName, err)
	}

	result, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	saved, err := store.SaveCheckpoint(ctx, &Checkpoint{
		InstanceID: instanceID,
		StepName:   stepName,
		Result:     result,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("save checkpoint %q: %w", stepName, err)
	}
	return saved.Result, nil
}

// Step runs fn as a checkpointed step of r and returns its (possibly
// recorded) result. Results are stored as JSON.
func Step[T any](ctx context.Context, r *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	data, err := GetOrCompute(ctx, r.store, r.instance.ID, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode step %q result: %w", name, err))
		}
		return b, nil
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode step %q result: %w", name, err))
	}
	return out, nil
}
