package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/recap/internal/logging"
)

// ResolveFunc is notified after a resolution has been recorded.
type ResolveFunc func(ctx context.Context, cb *Callback)

// Registry creates callbacks and settles them exactly once.
type Registry struct {
	store CallbackStore
	now   func() time.Time
	log   *slog.Logger

	mu          sync.RWMutex
	subscribers []ResolveFunc
}

// NewRegistry creates a callback registry backed by store.
func NewRegistry(store CallbackStore) *Registry {
	return &Registry{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logging.WithComponent("durable.callbacks"),
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// OnResolve subscribes fn to applied resolutions, including timeouts.
func (r *Registry) OnResolve(fn ResolveFunc) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Create allocates a callback for instanceID with deadline now+timeout.
func (r *Registry) Create(ctx context.Context, instanceID, name string, timeout time.Duration) (*Callback, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("callback timeout must be positive, got %s", timeout)
	}
	now := r.now()
	cb, err := r.store.CreateCallback(ctx, &Callback{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Name:       name,
		Deadline:   now.Add(timeout),
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("create callback: %w", err)
	}
	r.log.Info("Callback created",
		slog.String("callback_id", cb.ID),
		slog.String("instance_id", instanceID),
		slog.Time("deadline", cb.Deadline))
	return cb, nil
}

// ResolveSuccess settles the callback as succeeded with payload. It reports
// whether this call's resolution was recorded; unknown, settled or expired
// callbacks are logged and ignored.
func (r *Registry) ResolveSuccess(ctx context.Context, id string, payload any) bool {
	return r.resolve(ctx, id, ResolutionSucceeded, payload)
}

// ResolveFailure settles the callback as failed with payload.
func (r *Registry) ResolveFailure(ctx context.Context, id string, payload any) bool {
	return r.resolve(ctx, id, ResolutionFailed, payload)
}

func (r *Registry) resolve(ctx context.Context, id string, kind ResolutionKind, payload any) bool {
	log := r.log.With(slog.String("callback_id", id), slog.String("kind", string(kind)))

	cb, err := r.store.GetCallback(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Warn("Ignoring resolution for unknown callback")
		return false
	}
	if err != nil {
		log.Error("Failed to load callback", slog.Any("error", err))
		return false
	}
	if cb.Resolved() {
		log.Warn("Ignoring resolution for settled callback",
			slog.String("resolution", string(cb.Resolution.Kind)))
		return false
	}

	now := r.now()
	if cb.Expired(now) {
		log.Warn("Ignoring resolution for expired callback", slog.Time("deadline", cb.Deadline))
		r.expire(ctx, cb, now)
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode resolution payload", slog.Any("error", err))
		return false
	}
	res := Resolution{Kind: kind, Payload: raw, ResolvedAt: now}
	applied, err := r.store.ResolveCallback(ctx, id, res)
	if err != nil {
		log.Error("Failed to record resolution", slog.Any("error", err))
		return false
	}
	if !applied {
		log.Warn("Resolution lost to a concurrent writer")
		return false
	}

	cb.Resolution = &res
	log.Info("Callback resolved", slog.String("instance_id", cb.InstanceID))
	r.publish(ctx, cb)
	return true
}

// Check returns the callback, first settling it as timed out if its
// deadline has passed.
func (r *Registry) Check(ctx context.Context, id string) (*Callback, error) {
	cb, err := r.store.GetCallback(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if cb.Resolved() || !cb.Expired(now) {
		return cb, nil
	}
	if r.expire(ctx, cb, now) {
		return cb, nil
	}
	// Someone else settled it between our read and write.
	return r.store.GetCallback(ctx, id)
}

// Sweep settles every expired, unresolved callback as timed out and returns
// how many were settled by this call.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	expired, err := r.store.ListExpiredCallbacks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired callbacks: %w", err)
	}
	n := 0
	for _, cb := range expired {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if r.expire(ctx, cb, now) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("Timed out callbacks", slog.Int("count", n))
	}
	return n, nil
}

func (r *Registry) expire(ctx context.Context, cb *Callback, now time.Time) bool {
	res := Resolution{Kind: ResolutionTimedOut, ResolvedAt: now}
	applied, err := r.store.ResolveCallback(ctx, cb.ID, res)
	if err != nil {
		r.log.Error("Failed to record timeout",
			slog.String("callback_id", cb.ID),
			slog.Any("error", err))
		return false
	}
	if !applied {
		return false
	}
	cb.Resolution = &res
	r.log.Info("Callback timed out",
		slog.String("callback_id", cb.ID),
		slog.String("instance_id", cb.InstanceID))
	r.publish(ctx, cb)
	return true
}

func (r *Registry) publish(ctx context.Context, cb *Callback) {
	r.mu.RLock()
	subs := make([]ResolveFunc, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(ctx, cb)
	}
}
