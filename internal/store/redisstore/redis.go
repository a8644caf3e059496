// Package redisstore is a durable.Store backed by Redis, for deployments where
// several recap processes share workflow state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/recap/internal/durable"
)

// Config holds connection settings.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Store keeps instances as JSON strings, checkpoints in one hash per
// instance and callbacks as hashes with a deadline-ordered pending set.
type Store struct {
	client *redis.Client
	prefix string
}

var _ durable.Store = (*Store)(nil)

// createInstanceScript inserts an instance unless its idempotency key is
// taken. Returns the ID of the stored instance.
var createInstanceScript = redis.NewScript(`
if ARGV[3] ~= '' then
	local existing = redis.call('GET', KEYS[3])
	if existing then return existing end
	redis.call('SET', KEYS[3], ARGV[1])
end
if redis.call('EXISTS', KEYS[1]) == 1 then return '' end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return ARGV[1]
`)

// createCallbackScript inserts a callback unless one already exists for the
// (instance, name) index key. Returns the ID of the stored callback.
var createCallbackScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then return existing end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'instance_id', ARGV[2], 'name', ARGV[3], 'deadline', ARGV[4], 'created_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return ARGV[1]
`)

// resolveCallbackScript records a resolution if the callback is unresolved
// and the deadline admits the resolution kind.
var resolveCallbackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'kind') == 1 then return 0 end
local deadline = tonumber(redis.call('HGET', KEYS[1], 'deadline'))
local at = tonumber(ARGV[3])
if ARGV[1] == 'timed_out' then
	if at < deadline then return 0 end
elseif at >= deadline then
	return 0
end
redis.call('HSET', KEYS[1], 'kind', ARGV[1], 'payload', ARGV[2], 'resolved_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "recap"
	}
	return &Store{client: client, prefix: prefix}
}

// Client returns the underlying client, shared with the Locker.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) CreateInstance(ctx context.Context, inst *durable.Instance) (*durable.Instance, bool, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, false, fmt.Errorf("encode instance: %w", err)
	}
	idemKey := s.key("idempotency", inst.IdempotencyKey)
	id, err := createInstanceScript.Run(ctx, s.client,
		[]string{s.key("instance", inst.ID), s.key("instances"), idemKey},
		inst.ID, data, inst.IdempotencyKey, inst.CreatedAt.UnixMilli(),
	).Text()
	if err != nil {
		return nil, false, fmt.Errorf("create instance: %w", err)
	}
	if id == "" {
		return nil, false, fmt.Errorf("create instance %s: id already exists", inst.ID)
	}
	stored, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, id == inst.ID, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*durable.Instance, error) {
	data, err := s.client.Get(ctx, s.key("instance", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	var inst durable.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *durable.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.key("instance", inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if !ok {
		return durable.ErrNotFound
	}
	return nil
}

func (s *Store) ListInstances(ctx context.Context, filter durable.InstanceFilter) ([]*durable.Instance, error) {
	ids, err := s.client.ZRevRange(ctx, s.key("instances"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list instance ids: %w", err)
	}

	var out []*durable.Instance
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.key("instance", id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load instances: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var inst durable.Instance
			if err := json.Unmarshal([]byte(str), &inst); err != nil {
				return nil, fmt.Errorf("decode instance: %w", err)
			}
			if !filter.Match(&inst) {
				continue
			}
			out = append(out, &inst)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	cbIDs, err := s.client.SMembers(ctx, s.key("instance", id, "callbacks")).Result()
	if err != nil {
		return fmt.Errorf("list instance callbacks: %w", err)
	}

	keys := []string{
		s.key("instance", id),
		s.key("checkpoints", id),
		s.key("instance", id, "callbacks"),
	}
	if inst.IdempotencyKey != "" {
		keys = append(keys, s.key("idempotency", inst.IdempotencyKey))
	}
	for _, cbID := range cbIDs {
		name, err := s.client.HGet(ctx, s.key("callback", cbID), "name").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load callback %s: %w", cbID, err)
		}
		keys = append(keys, s.key("callback", cbID), s.key("callback-index", id, name))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.key("instances"), id)
		for _, cbID := range cbIDs {
			pipe.ZRem(ctx, s.key("callbacks", "pending"), cbID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, instanceID, stepName string) (*durable.Checkpoint, error) {
	data, err := s.client.HGet(ctx, s.key("checkpoints", instanceID), stepName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, durable.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp durable.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *durable.Checkpoint) (*durable.Checkpoint, error) {
	seq, err := s.client.Incr(ctx, s.key("checkpoint-seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate checkpoint seq: %w", err)
	}
	stored := *cp
	stored.Seq = seq
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.HSetNX(ctx, s.key("checkpoints", cp.InstanceID), cp.StepName, data).Err(); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return s.GetCheckpoint(ctx, cp.InstanceID, cp.StepName)
}

func (s *Store) ListCheckpoints(ctx context.Context, instanceID string) ([]*durable.Checkpoint, error) {
	all, err := s.client.HGetAll(ctx, s.key("checkpoints", instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*durable.Checkpoint, 0, len(all))
	for _, v := range all {
		var cp durable.Checkpoint
		if err := json.Unmarshal([]byte(v), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) CreateCallback(ctx context.Context, cb *durable.Callback) (*durable.Callback, error) {
	id, err := createCallbackScript.Run(ctx, s.client,
		[]string{
			s.key("callback-index", cb.InstanceID, cb.Name),
			s.key("callback", cb.ID),
			s.key("callbacks", "pending"),
			s.key("instance", cb.InstanceID, "callbacks"),
		},
		cb.ID, cb.InstanceID, cb.Name, cb.Deadline.UnixMilli(), cb.CreatedAt.UnixMilli(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("create callback: %w", err)
	}
	return s.GetCallback(ctx, id)
}

func (s *Store) GetCallback(ctx context.Context, id string) (*durable.Callback, error) {
	fields, err := s.client.HGetAll(ctx, s.key("callback", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get callback: %w", err)
	}
	if len(fields) == 0 {
		return nil, durable.ErrNotFound
	}
	return decodeCallback(fields)
}

func (s *Store) ResolveCallback(ctx context.Context, id string, res durable.Resolution) (bool, error) {
	n, err := resolveCallbackScript.Run(ctx, s.client,
		[]string{s.key("callback", id), s.key("callbacks", "pending")},
		string(res.Kind), []byte(res.Payload), res.ResolvedAt.UnixMilli(), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("resolve callback: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListCallbacks(ctx context.Context, instanceID string) ([]*durable.Callback, error) {
	ids, err := s.client.SMembers(ctx, s.key("instance", instanceID, "callbacks")).Result()
	if err != nil {
		return nil, fmt.Errorf("list instance callbacks: %w", err)
	}
	out := make([]*durable.Callback, 0, len(ids))
	for _, id := range ids {
		cb, err := s.GetCallback(ctx, id)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListExpiredCallbacks(ctx context.Context, now time.Time) ([]*durable.Callback, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("callbacks", "pending"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired callbacks: %w", err)
	}
	out := make([]*durable.Callback, 0, len(ids))
	for _, id := range ids {
		cb, err := s.GetCallback(ctx, id)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !cb.Resolved() {
			out = append(out, cb)
		}
	}
	return out, nil
}

func decodeCallback(f map[string]string) (*durable.Callback, error) {
	deadline, err := strconv.ParseInt(f["deadline"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode callback deadline: %w", err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode callback created_at: %w", err)
	}
	cb := &durable.Callback{
		ID:         f["id"],
		InstanceID: f["instance_id"],
		Name:       f["name"],
		Deadline:   time.UnixMilli(deadline).UTC(),
		CreatedAt:  time.UnixMilli(created).UTC(),
	}
	if kind, ok := f["kind"]; ok {
		res := &durable.Resolution{Kind: durable.ResolutionKind(kind)}
		if p := f["payload"]; p != "" {
			res.Payload = json.RawMessage(p)
		}
		if at, err := strconv.ParseInt(f["resolved_at"], 10, 64); err == nil {
			res.ResolvedAt = time.UnixMilli(at).UTC()
		}
		cb.Resolution = res
	}
	return cb, nil
}
