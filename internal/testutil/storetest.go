package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
)

// RunStoreTests exercises the durable.Store contract against a backend.
// newStore must return an empty store; it is called once per subtest.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) durable.Store) {
	t.Helper()

	t.Run("instance idempotency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := NewInstance("inst-1", "PROJ-1")
		first.IdempotencyKey = "backlog:42"

		stored, created, err := s.CreateInstance(ctx, first)
		if err != nil {
			t.Fatalf("CreateInstance() error = %v", err)
		}
		if !created || stored.ID != "inst-1" {
			t.Fatalf("CreateInstance() = %s, %v; want inst-1, true", stored.ID, created)
		}

		dup := NewInstance("inst-2", "PROJ-1")
		dup.IdempotencyKey = "backlog:42"
		stored, created, err = s.CreateInstance(ctx, dup)
		if err != nil {
			t.Fatalf("CreateInstance(dup) error = %v", err)
		}
		if created {
			t.Error("duplicate idempotency key created a second instance")
		}
		if stored.ID != "inst-1" {
			t.Errorf("duplicate returned %s, want inst-1", stored.ID)
		}
		if _, err := s.GetInstance(ctx, "inst-2"); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("GetInstance(inst-2) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("instance update and list", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
		for i, id := range []string{"a", "b", "c"} {
			inst := NewInstance(id, "PROJ-"+id)
			inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			inst.UpdatedAt = inst.CreatedAt
			if _, _, err := s.CreateInstance(ctx, inst); err != nil {
				t.Fatalf("CreateInstance(%s) error = %v", id, err)
			}
		}

		inst, err := s.GetInstance(ctx, "b")
		if err != nil {
			t.Fatalf("GetInstance() error = %v", err)
		}
		done := base.Add(10 * time.Minute)
		inst.Status = durable.StatusCompleted
		inst.Output = json.RawMessage(`{"ok":true}`)
		inst.CompletedAt = &done
		inst.UpdatedAt = done
		if err := s.UpdateInstance(ctx, inst); err != nil {
			t.Fatalf("UpdateInstance() error = %v", err)
		}

		got, err := s.GetInstance(ctx, "b")
		if err != nil {
			t.Fatalf("GetInstance() error = %v", err)
		}
		if got.Status != durable.StatusCompleted || string(got.Output) != `{"ok":true}` {
			t.Errorf("updated instance = %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}

		all, err := s.ListInstances(ctx, durable.InstanceFilter{})
		if err != nil {
			t.Fatalf("ListInstances() error = %v", err)
		}
		if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
			t.Errorf("ListInstances() order = %v, want newest first", ids(all))
		}

		running, err := s.ListInstances(ctx, durable.InstanceFilter{Statuses: []durable.Status{durable.StatusRunning}})
		if err != nil {
			t.Fatalf("ListInstances(running) error = %v", err)
		}
		if len(running) != 2 {
			t.Errorf("running instances = %v, want 2", ids(running))
		}

		limited, err := s.ListInstances(ctx, durable.InstanceFilter{Limit: 1})
		if err != nil {
			t.Fatalf("ListInstances(limit) error = %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("limited = %d, want 1", len(limited))
		}

		if err := s.UpdateInstance(ctx, NewInstance("missing", "X-1")); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("UpdateInstance(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("checkpoint first writer wins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, NewInstance("inst", "PROJ-1"))

		if _, err := s.GetCheckpoint(ctx, "inst", "fetch"); !errors.Is(err, durable.ErrNotFound) {
			t.Fatalf("GetCheckpoint(missing) error = %v, want ErrNotFound", err)
		}

		first, err := s.SaveCheckpoint(ctx, &durable.Checkpoint{
			InstanceID: "inst", StepName: "fetch", Result: json.RawMessage(`"one"`), CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
		second, err := s.SaveCheckpoint(ctx, &durable.Checkpoint{
			InstanceID: "inst", StepName: "fetch", Result: json.RawMessage(`"two"`), CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint(second) error = %v", err)
		}
		if string(first.Result) != `"one"` || string(second.Result) != `"one"` {
			t.Errorf("results = %s, %s; want both \"one\"", first.Result, second.Result)
		}

		for _, step := range []string{"summary", "notify"} {
			if _, err := s.SaveCheckpoint(ctx, &durable.Checkpoint{
				InstanceID: "inst", StepName: step, Result: json.RawMessage(`{}`), CreatedAt: time.Now(),
			}); err != nil {
				t.Fatalf("SaveCheckpoint(%s) error = %v", step, err)
			}
		}
		cps, err := s.ListCheckpoints(ctx, "inst")
		if err != nil {
			t.Fatalf("ListCheckpoints() error = %v", err)
		}
		var names []string
		for _, cp := range cps {
			names = append(names, cp.StepName)
		}
		want := []string{"fetch", "summary", "notify"}
		if len(names) != len(want) {
			t.Fatalf("checkpoints = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("checkpoint[%d] = %s, want %s", i, names[i], want[i])
			}
		}
	})

	t.Run("concurrent checkpoint writers agree", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, NewInstance("inst", "PROJ-1"))

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cp, err := s.SaveCheckpoint(ctx, &durable.Checkpoint{
					InstanceID: "inst", StepName: "post", Result: json.RawMessage(strconv.Itoa(i)), CreatedAt: time.Now(),
				})
				if err != nil {
					t.Errorf("SaveCheckpoint() error = %v", err)
					return
				}
				results[i] = string(cp.Result)
			}(i)
		}
		wg.Wait()
		for i := 1; i < len(results); i++ {
			if results[i] != results[0] {
				t.Fatalf("writers observed different results: %v", results)
			}
		}
	})

	t.Run("callback create is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		first, err := s.CreateCallback(ctx, NewCallback("cb-1", "inst", now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("CreateCallback() error = %v", err)
		}
		again, err := s.CreateCallback(ctx, NewCallback("cb-2", "inst", now.Add(2*time.Hour)))
		if err != nil {
			t.Fatalf("CreateCallback(again) error = %v", err)
		}
		if again.ID != first.ID || !again.Deadline.Equal(first.Deadline) {
			t.Errorf("second create returned %s/%v, want %s/%v", again.ID, again.Deadline, first.ID, first.Deadline)
		}
		if _, err := s.GetCallback(ctx, "cb-2"); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("GetCallback(cb-2) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("callback resolves once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		mustCreateCallback(t, s, NewCallback("cb", "inst", now.Add(time.Hour)))

		ok, err := s.ResolveCallback(ctx, "cb", durable.Resolution{
			Kind: durable.ResolutionSucceeded, Payload: json.RawMessage(`{"approved":true}`), ResolvedAt: now,
		})
		if err != nil || !ok {
			t.Fatalf("ResolveCallback() = %v, %v; want true, nil", ok, err)
		}
		ok, err = s.ResolveCallback(ctx, "cb", durable.Resolution{
			Kind: durable.ResolutionFailed, Payload: json.RawMessage(`{"rejectedBy":"eve"}`), ResolvedAt: now,
		})
		if err != nil || ok {
			t.Fatalf("second ResolveCallback() = %v, %v; want false, nil", ok, err)
		}

		cb, err := s.GetCallback(ctx, "cb")
		if err != nil {
			t.Fatalf("GetCallback() error = %v", err)
		}
		if cb.Resolution == nil || cb.Resolution.Kind != durable.ResolutionSucceeded {
			t.Fatalf("resolution = %+v, want succeeded", cb.Resolution)
		}
		if string(cb.Resolution.Payload) != `{"approved":true}` {
			t.Errorf("payload = %s", cb.Resolution.Payload)
		}

		ok, err = s.ResolveCallback(ctx, "unknown", durable.Resolution{Kind: durable.ResolutionSucceeded, ResolvedAt: now})
		if err != nil || ok {
			t.Errorf("ResolveCallback(unknown) = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("deadline guards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		mustCreateCallback(t, s, NewCallback("future", "a", now.Add(time.Hour)))
		mustCreateCallback(t, s, NewCallback("past", "b", now.Add(-time.Minute)))

		if ok, _ := s.ResolveCallback(ctx, "future", durable.Resolution{Kind: durable.ResolutionTimedOut, ResolvedAt: now}); ok {
			t.Error("timeout applied before deadline")
		}
		if ok, _ := s.ResolveCallback(ctx, "past", durable.Resolution{Kind: durable.ResolutionSucceeded, ResolvedAt: now}); ok {
			t.Error("human resolution applied after deadline")
		}

		expired, err := s.ListExpiredCallbacks(ctx, now)
		if err != nil {
			t.Fatalf("ListExpiredCallbacks() error = %v", err)
		}
		if len(expired) != 1 || expired[0].ID != "past" {
			t.Fatalf("expired = %v, want [past]", expired)
		}

		if ok, _ := s.ResolveCallback(ctx, "past", durable.Resolution{Kind: durable.ResolutionTimedOut, ResolvedAt: now}); !ok {
			t.Error("timeout not applied after deadline")
		}
		expired, err = s.ListExpiredCallbacks(ctx, now)
		if err != nil {
			t.Fatalf("ListExpiredCallbacks() error = %v", err)
		}
		if len(expired) != 0 {
			t.Errorf("expired after timeout = %d, want 0", len(expired))
		}
	})

	t.Run("callbacks listed per instance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		first := NewCallback("cb-1", "inst", now.Add(time.Hour))
		first.CreatedAt = now.Add(-time.Minute)
		second := NewCallback("cb-2", "inst", now.Add(2*time.Hour))
		second.Name = "reminder"
		mustCreateCallback(t, s, second)
		mustCreateCallback(t, s, first)
		mustCreateCallback(t, s, NewCallback("cb-other", "other", now.Add(time.Hour)))

		if ok, err := s.ResolveCallback(ctx, "cb-1", durable.Resolution{Kind: durable.ResolutionFailed, ResolvedAt: now}); err != nil || !ok {
			t.Fatalf("ResolveCallback() = %v, %v", ok, err)
		}

		cbs, err := s.ListCallbacks(ctx, "inst")
		if err != nil {
			t.Fatalf("ListCallbacks() error = %v", err)
		}
		if len(cbs) != 2 || cbs[0].ID != "cb-1" || cbs[1].ID != "cb-2" {
			t.Fatalf("callbacks = %v, want [cb-1 cb-2]", cbs)
		}
		if cbs[0].Resolution == nil || cbs[0].Resolution.Kind != durable.ResolutionFailed {
			t.Errorf("cb-1 resolution = %+v, want failed", cbs[0].Resolution)
		}
		if cbs[1].Resolved() || !cbs[1].Deadline.Equal(now.Add(2*time.Hour)) {
			t.Errorf("cb-2 = %+v, want pending with its deadline", cbs[1])
		}

		none, err := s.ListCallbacks(ctx, "missing")
		if err != nil || len(none) != 0 {
			t.Errorf("ListCallbacks(missing) = %v, %v; want empty", none, err)
		}
	})

	t.Run("delete removes everything", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreate(t, s, NewInstance("inst", "PROJ-1"))
		mustCreateCallback(t, s, NewCallback("cb", "inst", time.Now().Add(time.Hour)))
		if _, err := s.SaveCheckpoint(ctx, &durable.Checkpoint{
			InstanceID: "inst", StepName: "fetch", Result: json.RawMessage(`1`), CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}

		if err := s.DeleteInstance(ctx, "inst"); err != nil {
			t.Fatalf("DeleteInstance() error = %v", err)
		}
		if _, err := s.GetInstance(ctx, "inst"); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("GetInstance() error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetCallback(ctx, "cb"); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("GetCallback() error = %v, want ErrNotFound", err)
		}
		if cbs, err := s.ListCallbacks(ctx, "inst"); err != nil || len(cbs) != 0 {
			t.Errorf("ListCallbacks() after delete = %v, %v", cbs, err)
		}
		cps, err := s.ListCheckpoints(ctx, "inst")
		if err != nil {
			t.Fatalf("ListCheckpoints() error = %v", err)
		}
		if len(cps) != 0 {
			t.Errorf("checkpoints after delete = %d", len(cps))
		}
		if err := s.DeleteInstance(ctx, "inst"); !errors.Is(err, durable.ErrNotFound) {
			t.Errorf("second DeleteInstance() error = %v, want ErrNotFound", err)
		}
	})
}

// NewInstance returns a running instance fixture.
func NewInstance(id, itemKey string) *durable.Instance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &durable.Instance{
		ID:        id,
		Workflow:  "test",
		ItemKey:   itemKey,
		Status:    durable.StatusRunning,
		Input:     json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewCallback returns an unresolved callback fixture named "approval".
func NewCallback(id, instanceID string, deadline time.Time) *durable.Callback {
	return &durable.Callback{
		ID:         id,
		InstanceID: instanceID,
		Name:       "approval",
		Deadline:   deadline.UTC().Truncate(time.Millisecond),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func mustCreate(t *testing.T, s durable.Store, inst *durable.Instance) {
	t.Helper()
	if _, _, err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance(%s) error = %v", inst.ID, err)
	}
}

func mustCreateCallback(t *testing.T, s durable.Store, cb *durable.Callback) {
	t.Helper()
	if _, err := s.CreateCallback(context.Background(), cb); err != nil {
		t.Fatalf("CreateCallback(%s) error = %v", cb.ID, err)
	}
}

func ids(insts []*durable.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}
