package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/recap/internal/logging"
)

// Definition is an ordered sequence of checkpointed steps. Run is replayed
// from the top on every execution pass; steps with a checkpoint return their
// recorded result instead of running again.
type Definition interface {
	Name() string
	Run(ctx context.Context, run *Run) (Outcome, error)
}

// FailureHandler is implemented by definitions that notify someone when an
// instance moves to failed.
type FailureHandler interface {
	OnFailure(ctx context.Context, run *Run, cause error) error
}

// Outcome is the terminal result of a successful pass.
type Outcome struct {
	Status Status
	Output any
}

// Completed returns a completed outcome.
func Completed(output any) Outcome { return Outcome{Status: StatusCompleted, Output: output} }

// Rejected returns a rejected outcome.
func Rejected(output any) Outcome { return Outcome{Status: StatusRejected, Output: output} }

// RetryPolicy controls re-execution after a retryable step failure.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed passes before the
	// instance is marked failed.
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns 5 attempts with 5s, 10s, 20s, 40s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the wait before retrying after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

// Options configures an Executor.
type Options struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
	Locker    Locker
	// LockRetryDelay is how long to wait before retrying an instance that is
	// being executed elsewhere.
	LockRetryDelay time.Duration
}

// DefaultOptions returns executor defaults.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		QueueSize:      256,
		Retry:          DefaultRetryPolicy(),
		LockRetryDelay: time.Second,
	}
}

// StartOptions configures a new instance.
type StartOptions struct {
	// IdempotencyKey deduplicates starts for the same source event.
	IdempotencyKey string
}

// Executor drives workflow instances through their lifecycle. Instances are
// executed by a pool of workers fed from a queue of instance IDs; nothing is
// held while an instance is suspended.
type Executor struct {
	store    Store
	registry *Registry
	opts     Options
	log      *slog.Logger

	mu        sync.RWMutex
	defs      map[string]Definition
	observers []Observer

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewExecutor creates an executor. Callback resolutions published by
// registry re-enqueue the owning instance.
func NewExecutor(store Store, registry *Registry, opts Options) *Executor {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = defaults.Retry
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = defaults.LockRetryDelay
	}

	e := &Executor{
		store:    store,
		registry: registry,
		opts:     opts,
		log:      logging.WithComponent("durable.executor"),
		defs:     make(map[string]Definition),
		queue:    make(chan string, opts.QueueSize),
		done:     make(chan struct{}),
	}
	registry.OnResolve(func(_ context.Context, cb *Callback) {
		e.Enqueue(cb.InstanceID)
	})
	return e
}

// Register adds a workflow definition.
func (e *Executor) Register(def Definition) {
	e.mu.Lock()
	e.defs[def.Name()] = def
	e.mu.Unlock()
}

// AddObserver subscribes o to lifecycle events.
func (e *Executor) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// QueueDepth returns the number of instance IDs waiting for a worker.
func (e *Executor) QueueDepth() int {
	return len(e.queue)
}

// Start persists a new running instance and enqueues it. It does not wait
// for execution. When opts.IdempotencyKey matches an existing instance, that
// instance is returned with created=false and nothing is enqueued.
func (e *Executor) Start(ctx context.Context, workflow, itemKey string, input any, opts StartOptions) (*Instance, bool, error) {
	if e.definition(workflow) == nil {
		return nil, false, fmt.Errorf("unknown workflow %q", workflow)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, false, fmt.Errorf("encode input: %w", err)
	}

	now := time.Now().UTC()
	inst, created, err := e.store.CreateInstance(ctx, &Instance{
		ID:             uuid.New().String(),
		Workflow:       workflow,
		ItemKey:        itemKey,
		Status:         StatusRunning,
		Input:          raw,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create instance: %w", err)
	}
	if !created {
		e.log.Info("Duplicate start ignored",
			slog.String("instance_id", inst.ID),
			slog.String("idempotency_key", opts.IdempotencyKey))
		return inst, false, nil
	}

	e.log.Info("Instance started",
		slog.String("instance_id", inst.ID),
		slog.String("workflow", workflow),
		slog.String("item_key", itemKey))
	e.emit(ctx, EventStarted, inst)
	e.Enqueue(inst.ID)
	return inst, true, nil
}

// Enqueue schedules an execution pass for the instance. It never blocks.
func (e *Executor) Enqueue(id string) {
	select {
	case <-e.done:
		return
	case e.queue <- id:
	default:
		go func() {
			select {
			case e.queue <- id:
			case <-e.done:
			}
		}()
	}
}

func (e *Executor) enqueueAfter(id string, d time.Duration) {
	time.AfterFunc(d, func() { e.Enqueue(id) })
}

// Serve runs the worker pool until ctx is cancelled.
func (e *Executor) Serve(ctx context.Context) error {
	e.log.Info("Executor started", slog.Int("workers", e.opts.Workers))

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.queue:
					if err := e.Execute(ctx, id); err != nil && ctx.Err() == nil {
						e.log.Error("Execution pass failed",
							slog.String("instance_id", id),
							slog.Any("error", err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	e.closeOnce.Do(func() { close(e.done) })
	wg.Wait()
	e.log.Info("Executor stopped")
	return nil
}

// Execute performs one execution pass for the instance: it replays the
// definition and records the resulting transition. Returned errors are
// store or lock failures; step failures are recorded on the instance and
// retried on this executor's queue after their backoff.
func (e *Executor) Execute(ctx context.Context, id string) error {
	retry, err := e.pass(ctx, id)
	if errors.Is(err, ErrLocked) {
		e.enqueueAfter(id, e.opts.LockRetryDelay)
		return nil
	}
	if err != nil {
		return err
	}
	if retry > 0 {
		e.enqueueAfter(id, retry)
	}
	return nil
}

// Settle runs passes in the calling goroutine until the instance suspends
// or reaches a terminal status, sleeping through retry backoffs instead of
// scheduling them. It returns ErrLocked when another process holds the
// instance. Short-lived processes use it so no retry is left on a timer
// that dies with them.
func (e *Executor) Settle(ctx context.Context, id string) (*Instance, error) {
	for {
		retry, err := e.pass(ctx, id)
		if err != nil {
			return nil, err
		}
		if retry == 0 {
			return e.store.GetInstance(ctx, id)
		}
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// pass runs one execution pass and returns the backoff after which the
// instance must run again, or zero when it suspended or finished.
func (e *Executor) pass(ctx context.Context, id string) (time.Duration, error) {
	unlock, err := e.opts.Locker.Lock(ctx, id)
	if errors.Is(err, ErrLocked) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("lock instance %s: %w", id, err)
	}
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load instance %s: %w", id, err)
	}
	if inst.Status.Terminal() {
		return 0, nil
	}

	def := e.definition(inst.Workflow)
	if def == nil {
		return 0, e.fail(ctx, inst, nil, Permanent(fmt.Errorf("unknown workflow %q", inst.Workflow)))
	}

	run := &Run{
		instance: inst,
		store:    e.store,
		registry: e.registry,
		log:      logging.WithInstance(inst.ID, inst.ItemKey),
	}
	wasSuspended := inst.Status == StatusSuspended

	outcome, err := e.invoke(ctx, def, run)
	if errors.Is(err, ErrSuspended) {
		if wasSuspended {
			// Woken while the callback is still pending.
			return 0, nil
		}
		inst.Status = StatusSuspended
		inst.Attempts = 0
		inst.Error = ""
		if err := e.save(ctx, inst); err != nil {
			return 0, err
		}
		run.log.Info("Instance suspended")
		e.emit(ctx, EventSuspended, inst)
		return 0, nil
	}

	if wasSuspended {
		inst.Status = StatusRunning
		e.emit(ctx, EventResumed, inst)
	}

	switch {
	case err == nil:
		return 0, e.finish(ctx, inst, run, outcome)
	case ctx.Err() != nil:
		// Shutdown mid-pass; Recover or ResumeStale picks the instance up.
		return 0, ctx.Err()
	case IsPermanent(err):
		return 0, e.fail(ctx, inst, run, err)
	}

	inst.Attempts++
	inst.Error = err.Error()
	if inst.Attempts >= e.opts.Retry.MaxAttempts {
		return 0, e.fail(ctx, inst, run, fmt.Errorf("giving up after %d attempts: %w", inst.Attempts, err))
	}
	inst.Status = StatusRunning
	if err := e.save(ctx, inst); err != nil {
		return 0, err
	}
	backoff := e.opts.Retry.Backoff(inst.Attempts)
	run.log.Warn("Step failed, retrying",
		slog.Int("attempt", inst.Attempts),
		slog.Duration("backoff", backoff),
		slog.Any("error", err))
	e.emit(ctx, EventRetrying, inst)
	return backoff, nil
}

func (e *Executor) invoke(ctx context.Context, def Definition, run *Run) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("workflow panicked: %v", p))
		}
	}()
	return def.Run(ctx, run)
}

func (e *Executor) finish(ctx context.Context, inst *Instance, run *Run, outcome Outcome) error {
	if outcome.Status != StatusCompleted && outcome.Status != StatusRejected {
		return e.fail(ctx, inst, run, Permanent(fmt.Errorf("invalid outcome status %q", outcome.Status)))
	}
	raw, err := json.Marshal(outcome.Output)
	if err != nil {
		return e.fail(ctx, inst, run, Permanent(fmt.Errorf("encode output: %w", err)))
	}

	now := time.Now().UTC()
	inst.Status = outcome.Status
	inst.Output = raw
	inst.Attempts = 0
	inst.Error = ""
	inst.CompletedAt = &now
	if err := e.save(ctx, inst); err != nil {
		return err
	}

	run.log.Info("Instance finished", slog.String("status", string(inst.Status)))
	if inst.Status == StatusCompleted {
		e.emit(ctx, EventCompleted, inst)
	} else {
		e.emit(ctx, EventRejected, inst)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, inst *Instance, run *Run, cause error) error {
	now := time.Now().UTC()
	inst.Status = StatusFailed
	inst.Error = cause.Error()
	inst.CompletedAt = &now
	if err := e.save(ctx, inst); err != nil {
		return err
	}

	log := e.log.With(slog.String("instance_id", inst.ID), slog.String("item_key", inst.ItemKey))
	log.Error("Instance failed", slog.Any("error", cause))
	e.emit(ctx, EventFailed, inst)

	if run == nil {
		return nil
	}
	if h, ok := e.definition(inst.Workflow).(FailureHandler); ok {
		if err := h.OnFailure(ctx, run, cause); err != nil {
			log.Error("Failure handler failed", slog.Any("error", err))
		}
	}
	return nil
}

// Recover enqueues every running or suspended instance. Call it once at
// startup so work interrupted by a restart continues.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	insts, err := e.store.ListInstances(ctx, InstanceFilter{
		Statuses: []Status{StatusRunning, StatusSuspended},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished instances: %w", err)
	}
	for _, inst := range insts {
		e.Enqueue(inst.ID)
	}
	if len(insts) > 0 {
		e.log.Info("Recovered instances", slog.Int("count", len(insts)))
	}
	return len(insts), nil
}

// ResumeStale enqueues running instances that nobody has touched for
// grace beyond their retry backoff. It catches retries whose timer lived in
// a process that has since exited.
func (e *Executor) ResumeStale(ctx context.Context, grace time.Duration) (int, error) {
	insts, err := e.store.ListInstances(ctx, InstanceFilter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("list running instances: %w", err)
	}
	now := time.Now().UTC()
	n := 0
	for _, inst := range insts {
		due := inst.UpdatedAt.Add(grace)
		if inst.Attempts > 0 {
			due = due.Add(e.opts.Retry.Backoff(inst.Attempts))
		}
		if now.Before(due) {
			continue
		}
		e.Enqueue(inst.ID)
		n++
	}
	if n > 0 {
		e.log.Info("Resumed stale instances", slog.Int("count", n))
	}
	return n, nil
}

// Replay re-enters a failed instance at its first step without a
// checkpoint. Checkpoints are kept, so completed side effects do not repeat.
func (e *Executor) Replay(ctx context.Context, id string) error {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotReplayable, id, inst.Status)
	}
	inst.Status = StatusRunning
	inst.Attempts = 0
	inst.Error = ""
	inst.CompletedAt = nil
	if err := e.save(ctx, inst); err != nil {
		return err
	}
	e.log.Info("Instance replay requested", slog.String("instance_id", id))
	e.emit(ctx, EventResumed, inst)
	e.Enqueue(id)
	return nil
}

// Inspect returns the instance with its checkpoints and callbacks.
func (e *Executor) Inspect(ctx context.Context, id string) (*Snapshot, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return snapshot(ctx, e.store, inst)
}

func snapshot(ctx context.Context, store Store, inst *Instance) (*Snapshot, error) {
	cps, err := store.ListCheckpoints(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", inst.ID, err)
	}
	cbs, err := store.ListCallbacks(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks for %s: %w", inst.ID, err)
	}
	return &Snapshot{Instance: inst, Checkpoints: cps, Callbacks: cbs}, nil
}

// List returns instances matching filter, newest first.
func (e *Executor) List(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	insts, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return insts, nil
}

func (e *Executor) definition(name string) Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs[name]
}

func (e *Executor) save(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (e *Executor) emit(ctx context.Context, t EventType, inst *Instance) {
	e.mu.RLock()
	obs := make([]Observer, len(e.observers))
	copy(obs, e.observers)
	e.mu.RUnlock()

	ev := newEvent(t, inst)
	for _, o := range obs {
		o.Observe(ctx, ev)
	}
}
