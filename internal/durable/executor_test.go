package durable_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/store/memory"
)

var errTransient = errors.New("connection reset")

// testFlow is fetch -> create-callback -> notify -> await -> post|reject.
type testFlow struct {
	timeout time.Duration

	mu            sync.Mutex
	calls         map[string]int
	callbackID    string
	fetchFailures int
	postFailures  int
	postErr       error
	failureCauses []error
}

func newTestFlow() *testFlow {
	return &testFlow{timeout: time.Hour, calls: make(map[string]int)}
}

func (f *testFlow) Name() string { return "test-flow" }

func (f *testFlow) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *testFlow) hit(step string) {
	f.mu.Lock()
	f.calls[step]++
	f.mu.Unlock()
}

func (f *testFlow) callback() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbackID
}

func (f *testFlow) Run(ctx context.Context, run *durable.Run) (durable.Outcome, error) {
	var input struct{ Key string }
	if err := run.Input(&input); err != nil {
		return durable.Outcome{}, err
	}

	data, err := durable.Step(ctx, run, "fetch", func(context.Context) (string, error) {
		f.hit("fetch")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fetchFailures > 0 {
			f.fetchFailures--
			return "", errTransient
		}
		return "details of " + input.Key, nil
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	cb, err := durable.Step(ctx, run, "create-callback", func(ctx context.Context) (*durable.Callback, error) {
		return run.CreateCallback(ctx, "approval", f.timeout)
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	if err := run.Do(ctx, "notify", func(context.Context) error {
		f.hit("notify")
		f.mu.Lock()
		f.callbackID = cb.ID
		f.mu.Unlock()
		return nil
	}); err != nil {
		return durable.Outcome{}, err
	}

	res, err := run.Await(ctx, "await", cb)
	if err != nil {
		return durable.Outcome{}, err
	}
	if res.Kind != durable.ResolutionSucceeded {
		return durable.Rejected(string(res.Kind)), nil
	}

	if err := run.Do(ctx, "post", func(context.Context) error {
		f.hit("post")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.postFailures > 0 {
			f.postFailures--
			return errTransient
		}
		return f.postErr
	}); err != nil {
		return durable.Outcome{}, err
	}
	return durable.Completed(data), nil
}

func (f *testFlow) OnFailure(_ context.Context, _ *durable.Run, cause error) error {
	f.mu.Lock()
	f.failureCauses = append(f.failureCauses, cause)
	f.mu.Unlock()
	return nil
}

type harness struct {
	store    *memory.Store
	registry *durable.Registry
	exec     *durable.Executor
	flow     *testFlow
	clock    *fakeClock
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []durable.EventType
}

func (l *eventLog) Observe(_ context.Context, ev durable.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev.Type)
	l.mu.Unlock()
}

func (l *eventLog) has(t durable.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == t {
			return true
		}
	}
	return false
}

// wait blocks until t is observed; events are emitted after state is saved.
func (l *eventLog) wait(t *testing.T, want durable.EventType) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !l.has(want) {
		if time.Now().After(deadline) {
			t.Fatalf("event %s not observed", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newHarness(t *testing.T, flow *testFlow) *harness {
	t.Helper()
	store := memory.New()
	clock := newFakeClock()
	registry := durable.NewRegistry(store)
	registry.SetClock(clock.Now)
	exec := durable.NewExecutor(store, registry, durable.Options{
		Workers: 2,
		Retry: durable.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Millisecond,
			BackoffMultiplier: 1,
		},
		LockRetryDelay: 5 * time.Millisecond,
	})
	exec.Register(flow)
	events := &eventLog{}
	exec.AddObserver(events)
	return &harness{store: store, registry: registry, exec: exec, flow: flow, clock: clock, events: events}
}

func (h *harness) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.exec.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitForStatus(t *testing.T, id string, want durable.Status) *durable.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		inst, err := h.store.GetInstance(context.Background(), id)
		if err != nil {
			t.Fatalf("GetInstance() error = %v", err)
		}
		if inst.Status == want {
			return inst
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s status = %s (error %q), want %s", id, inst.Status, inst.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) start(t *testing.T, key string) *durable.Instance {
	t.Helper()
	inst, created, err := h.exec.Start(context.Background(), "test-flow", key,
		map[string]string{"Key": key}, durable.StartOptions{IdempotencyKey: "evt:" + key})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !created {
		t.Fatal("Start() did not create an instance")
	}
	return inst
}

func TestExecutorApprovalPath(t *testing.T) {
	h := newHarness(t, newTestFlow())
	h.serve(t)

	inst := h.start(t, "PROJ-1")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	if !h.registry.ResolveSuccess(context.Background(), h.flow.callback(), map[string]bool{"approved": true}) {
		t.Fatal("ResolveSuccess() = false")
	}
	done := h.waitForStatus(t, inst.ID, durable.StatusCompleted)

	if string(done.Output) != `"details of PROJ-1"` {
		t.Errorf("Output = %s", done.Output)
	}
	for step, want := range map[string]int{"fetch": 1, "notify": 1, "post": 1} {
		if got := h.flow.count(step); got != want {
			t.Errorf("%s ran %d times, want %d", step, got, want)
		}
	}
	for _, ev := range []durable.EventType{durable.EventStarted, durable.EventSuspended, durable.EventResumed, durable.EventCompleted} {
		h.events.wait(t, ev)
	}

	snap, err := h.exec.Inspect(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(snap.Callbacks) != 1 || snap.Callbacks[0].ID != h.flow.callback() ||
		snap.Callbacks[0].Resolution == nil || snap.Callbacks[0].Resolution.Kind != durable.ResolutionSucceeded {
		t.Errorf("callbacks = %+v, want the resolved approval", snap.Callbacks)
	}
	cps := snap.Checkpoints
	want := []string{"fetch", "create-callback", "notify", "await", "post"}
	if len(cps) != len(want) {
		t.Fatalf("checkpoints = %d, want %d", len(cps), len(want))
	}
	for i, cp := range cps {
		if cp.StepName != want[i] {
			t.Errorf("checkpoint[%d] = %s, want %s", i, cp.StepName, want[i])
		}
	}
}

func TestExecutorRejectionPath(t *testing.T) {
	h := newHarness(t, newTestFlow())
	h.serve(t)

	inst := h.start(t, "PROJ-2")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	h.registry.ResolveFailure(context.Background(), h.flow.callback(), map[string]string{"rejectedBy": "bob"})
	done := h.waitForStatus(t, inst.ID, durable.StatusRejected)

	if string(done.Output) != `"failed"` {
		t.Errorf("Output = %s, want \"failed\"", done.Output)
	}
	if h.flow.count("post") != 0 {
		t.Error("post ran on the rejection path")
	}
}

func TestExecutorTimeoutPath(t *testing.T) {
	h := newHarness(t, newTestFlow())
	h.serve(t)

	inst := h.start(t, "PROJ-3")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	h.clock.Advance(2 * time.Hour)
	if n, err := h.registry.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1, nil", n, err)
	}
	done := h.waitForStatus(t, inst.ID, durable.StatusRejected)
	if string(done.Output) != `"timed_out"` {
		t.Errorf("Output = %s, want \"timed_out\"", done.Output)
	}
	if h.flow.count("post") != 0 {
		t.Error("post ran after a timeout")
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	flow := newTestFlow()
	flow.fetchFailures = 2
	h := newHarness(t, flow)
	h.serve(t)

	inst := h.start(t, "PROJ-4")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	if got := flow.count("fetch"); got != 3 {
		t.Errorf("fetch attempts = %d, want 3", got)
	}
	if !h.events.has(durable.EventRetrying) {
		t.Error("missing retrying event")
	}
}

func TestExecutorFailsAfterMaxAttemptsAndReplays(t *testing.T) {
	flow := newTestFlow()
	flow.postErr = errTransient
	h := newHarness(t, flow)
	h.serve(t)
	ctx := context.Background()

	inst := h.start(t, "PROJ-5")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)
	h.registry.ResolveSuccess(ctx, flow.callback(), map[string]bool{"approved": true})

	failed := h.waitForStatus(t, inst.ID, durable.StatusFailed)
	if failed.Error == "" {
		t.Error("failed instance has no error")
	}
	if got := flow.count("post"); got != 3 {
		t.Errorf("post attempts = %d, want 3", got)
	}
	// The failure handler runs after the status is persisted.
	deadline := time.Now().Add(5 * time.Second)
	for {
		flow.mu.Lock()
		causes := len(flow.failureCauses)
		flow.mu.Unlock()
		if causes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure handler called %d times, want 1", causes)
		}
		time.Sleep(5 * time.Millisecond)
	}
	flow.mu.Lock()
	flow.postErr = nil
	flow.mu.Unlock()

	if err := h.exec.Replay(ctx, inst.ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	h.waitForStatus(t, inst.ID, durable.StatusCompleted)

	if got := flow.count("notify"); got != 1 {
		t.Errorf("notify ran %d times across replay, want 1", got)
	}
	if got := flow.count("fetch"); got != 1 {
		t.Errorf("fetch ran %d times across replay, want 1", got)
	}

	if err := h.exec.Replay(ctx, inst.ID); !errors.Is(err, durable.ErrNotReplayable) {
		t.Errorf("Replay(completed) error = %v, want ErrNotReplayable", err)
	}
}

func TestExecutorPermanentErrorFailsImmediately(t *testing.T) {
	flow := newTestFlow()
	flow.postErr = durable.Permanent(errors.New("item deleted"))
	h := newHarness(t, flow)
	h.serve(t)

	inst := h.start(t, "PROJ-6")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)
	h.registry.ResolveSuccess(context.Background(), flow.callback(), map[string]bool{"approved": true})
	h.waitForStatus(t, inst.ID, durable.StatusFailed)

	if got := flow.count("post"); got != 1 {
		t.Errorf("post attempts = %d, want 1", got)
	}
}

func TestExecutorStartIsIdempotent(t *testing.T) {
	h := newHarness(t, newTestFlow())
	ctx := context.Background()

	first, created, err := h.exec.Start(ctx, "test-flow", "PROJ-7", map[string]string{"Key": "PROJ-7"},
		durable.StartOptions{IdempotencyKey: "backlog:99"})
	if err != nil || !created {
		t.Fatalf("Start() = %v, %v", created, err)
	}
	second, created, err := h.exec.Start(ctx, "test-flow", "PROJ-7", map[string]string{"Key": "PROJ-7"},
		durable.StartOptions{IdempotencyKey: "backlog:99"})
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("second Start() = %s (created %v), want %s", second.ID, created, first.ID)
	}

	if _, _, err := h.exec.Start(ctx, "nope", "PROJ-7", nil, durable.StartOptions{}); err == nil {
		t.Error("Start() with an unknown workflow should fail")
	}
}

func TestExecutorRecoverResumesAfterRestart(t *testing.T) {
	flow := newTestFlow()
	h := newHarness(t, flow)
	ctx := context.Background()

	// Started but never served: simulates a crash before the first pass.
	inst := h.start(t, "PROJ-8")

	restarted := durable.NewExecutor(h.store, h.registry, durable.Options{Workers: 1})
	restarted.Register(flow)
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = restarted.Serve(serveCtx); close(done) }()
	defer func() { cancel(); <-done }()

	h.waitForStatus(t, inst.ID, durable.StatusSuspended)
	if got := flow.count("notify"); got != 1 {
		t.Errorf("notify ran %d times, want 1", got)
	}
}

func TestExecuteSpuriousWakeupKeepsSuspended(t *testing.T) {
	h := newHarness(t, newTestFlow())
	ctx := context.Background()
	inst := h.start(t, "PROJ-9")

	if err := h.exec.Execute(ctx, inst.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	if err := h.exec.Execute(ctx, inst.ID); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	got, _ := h.store.GetInstance(ctx, inst.ID)
	if got.Status != durable.StatusSuspended {
		t.Errorf("status = %s, want suspended", got.Status)
	}
	if h.events.has(durable.EventResumed) {
		t.Error("spurious wakeup emitted a resumed event")
	}
}

func TestExecuteSkipsLockedInstance(t *testing.T) {
	locker := durable.NewLocalLocker()
	store := memory.New()
	registry := durable.NewRegistry(store)
	flow := newTestFlow()
	exec := durable.NewExecutor(store, registry, durable.Options{Locker: locker, LockRetryDelay: time.Hour})
	exec.Register(flow)
	ctx := context.Background()

	inst, _, err := exec.Start(ctx, "test-flow", "PROJ-10", map[string]string{"Key": "PROJ-10"}, durable.StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	unlock, err := locker.Lock(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	if err := exec.Execute(ctx, inst.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if flow.count("fetch") != 0 {
		t.Error("locked instance was executed")
	}
}

// newPeer returns an unserved executor on the same store, standing in for a
// short-lived operator command.
func newPeer(h *harness) (*durable.Executor, *durable.Registry) {
	registry := durable.NewRegistry(h.store)
	exec := durable.NewExecutor(h.store, registry, durable.Options{
		Workers: 1,
		Retry: durable.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Millisecond,
			BackoffMultiplier: 1,
		},
	})
	exec.Register(h.flow)
	return exec, registry
}

func TestResumeStalePicksUpAbandonedRetry(t *testing.T) {
	flow := newTestFlow()
	flow.postFailures = 1
	h := newHarness(t, flow)
	h.serve(t)
	ctx := context.Background()

	inst := h.start(t, "PROJ-11")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	// The command resolves and runs one pass; its retry timer fires into a
	// queue nobody serves.
	cli, cliRegistry := newPeer(h)
	if !cliRegistry.ResolveSuccess(ctx, flow.callback(), map[string]bool{"approved": true}) {
		t.Fatal("ResolveSuccess() = false")
	}
	if err := cli.Execute(ctx, inst.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	stuck := h.waitForStatus(t, inst.ID, durable.StatusRunning)
	if stuck.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", stuck.Attempts)
	}

	if n, err := h.exec.ResumeStale(ctx, time.Hour); err != nil || n != 0 {
		t.Errorf("ResumeStale(1h) = %d, %v; want 0, nil", n, err)
	}
	time.Sleep(20 * time.Millisecond)
	n, err := h.exec.ResumeStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("ResumeStale(0) = %d, %v; want 1, nil", n, err)
	}
	h.waitForStatus(t, inst.ID, durable.StatusCompleted)

	if got := flow.count("post"); got != 2 {
		t.Errorf("post attempts = %d, want 2", got)
	}
	if got := flow.count("notify"); got != 1 {
		t.Errorf("notify ran %d times, want 1", got)
	}
}

func TestSettleWaitsOutRetries(t *testing.T) {
	flow := newTestFlow()
	flow.postFailures = 2
	h := newHarness(t, flow)
	h.serve(t)
	ctx := context.Background()

	inst := h.start(t, "PROJ-12")
	h.waitForStatus(t, inst.ID, durable.StatusSuspended)

	cli, cliRegistry := newPeer(h)
	cliRegistry.ResolveSuccess(ctx, flow.callback(), map[string]bool{"approved": true})
	got, err := cli.Settle(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if got.Status != durable.StatusCompleted {
		t.Errorf("status = %s (error %q), want completed", got.Status, got.Error)
	}
	if n := flow.count("post"); n != 3 {
		t.Errorf("post attempts = %d, want 3", n)
	}
}

func TestSettleStopsAtSuspension(t *testing.T) {
	h := newHarness(t, newTestFlow())
	inst := h.start(t, "PROJ-13")

	got, err := h.exec.Settle(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if got.Status != durable.StatusSuspended {
		t.Errorf("status = %s, want suspended", got.Status)
	}
}

func TestSettleReportsLockedInstance(t *testing.T) {
	locker := durable.NewLocalLocker()
	store := memory.New()
	flow := newTestFlow()
	exec := durable.NewExecutor(store, durable.NewRegistry(store), durable.Options{Locker: locker})
	exec.Register(flow)
	ctx := context.Background()

	inst, _, err := exec.Start(ctx, "test-flow", "PROJ-14", map[string]string{"Key": "PROJ-14"}, durable.StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	unlock, err := locker.Lock(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	if _, err := exec.Settle(ctx, inst.ID); !errors.Is(err, durable.ErrLocked) {
		t.Errorf("Settle() error = %v, want ErrLocked", err)
	}
	if flow.count("fetch") != 0 {
		t.Error("locked instance was executed")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := durable.RetryPolicy{InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
