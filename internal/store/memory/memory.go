// Package memory is an in-process durable.Store for tests and single-node
// development. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
)

// Store keeps instances, checkpoints and callbacks in maps.
type Store struct {
	mu          sync.Mutex
	instances   map[string]*durable.Instance
	idempotency map[string]string
	checkpoints map[string][]*durable.Checkpoint
	callbacks   map[string]*durable.Callback
	callbackIdx map[string]string
	seq         int64
}

var _ durable.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		instances:   make(map[string]*durable.Instance),
		idempotency: make(map[string]string),
		checkpoints: make(map[string][]*durable.Checkpoint),
		callbacks:   make(map[string]*durable.Callback),
		callbackIdx: make(map[string]string),
	}
}

func (s *Store) CreateInstance(_ context.Context, inst *durable.Instance) (*durable.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.IdempotencyKey != "" {
		if id, ok := s.idempotency[inst.IdempotencyKey]; ok {
			return cloneInstance(s.instances[id]), false, nil
		}
		s.idempotency[inst.IdempotencyKey] = inst.ID
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return cloneInstance(inst), true, nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*durable.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (s *Store) UpdateInstance(_ context.Context, inst *durable.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return durable.ErrNotFound
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *Store) ListInstances(_ context.Context, filter durable.InstanceFilter) ([]*durable.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*durable.Instance
	for _, inst := range s.instances {
		if filter.Match(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return durable.ErrNotFound
	}
	delete(s.instances, id)
	if inst.IdempotencyKey != "" {
		delete(s.idempotency, inst.IdempotencyKey)
	}
	delete(s.checkpoints, id)
	for cbID, cb := range s.callbacks {
		if cb.InstanceID == id {
			delete(s.callbacks, cbID)
			delete(s.callbackIdx, callbackKey(cb.InstanceID, cb.Name))
		}
	}
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, instanceID, stepName string) (*durable.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.checkpoints[instanceID] {
		if cp.StepName == stepName {
			c := *cp
			return &c, nil
		}
	}
	return nil, durable.ErrNotFound
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *durable.Checkpoint) (*durable.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.InstanceID] {
		if existing.StepName == cp.StepName {
			c := *existing
			return &c, nil
		}
	}
	s.seq++
	stored := *cp
	stored.Seq = s.seq
	stored.Result = append([]byte(nil), cp.Result...)
	s.checkpoints[cp.InstanceID] = append(s.checkpoints[cp.InstanceID], &stored)
	c := stored
	return &c, nil
}

func (s *Store) ListCheckpoints(_ context.Context, instanceID string) ([]*durable.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*durable.Checkpoint, 0, len(s.checkpoints[instanceID]))
	for _, cp := range s.checkpoints[instanceID] {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) CreateCallback(_ context.Context, cb *durable.Callback) (*durable.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callbackKey(cb.InstanceID, cb.Name)
	if id, ok := s.callbackIdx[key]; ok {
		return cloneCallback(s.callbacks[id]), nil
	}
	s.callbacks[cb.ID] = cloneCallback(cb)
	s.callbackIdx[key] = cb.ID
	return cloneCallback(cb), nil
}

func (s *Store) GetCallback(_ context.Context, id string) (*durable.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return cloneCallback(cb), nil
}

func (s *Store) ResolveCallback(_ context.Context, id string, res durable.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[id]
	if !ok || cb.Resolved() || !res.Admissible(cb.Deadline) {
		return false, nil
	}
	r := res
	cb.Resolution = &r
	return true, nil
}

func (s *Store) ListCallbacks(_ context.Context, instanceID string) ([]*durable.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*durable.Callback
	for _, cb := range s.callbacks {
		if cb.InstanceID == instanceID {
			out = append(out, cloneCallback(cb))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListExpiredCallbacks(_ context.Context, now time.Time) ([]*durable.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*durable.Callback
	for _, cb := range s.callbacks {
		if !cb.Resolved() && cb.Expired(now) {
			out = append(out, cloneCallback(cb))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func callbackKey(instanceID, name string) string {
	return instanceID + "/" + name
}

func cloneInstance(inst *durable.Instance) *durable.Instance {
	c := *inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneCallback(cb *durable.Callback) *durable.Callback {
	c := *cb
	if cb.Resolution != nil {
		r := *cb.Resolution
		c.Resolution = &r
	}
	return &c
}
