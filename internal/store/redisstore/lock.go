package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// Locker is a durable.Locker shared across processes. The TTL bounds how
// long a crashed holder blocks an instance; a live holder refreshes it
// every half TTL until it unlocks.
type Locker struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	refresh time.Duration
}

var _ durable.Locker = (*Locker)(nil)

// NewLocker creates a Locker on client.
func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if prefix == "" {
		prefix = "recap"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: redislock.New(client), prefix: prefix, ttl: ttl, refresh: ttl / 2}
}

// Lock obtains the lock for key or returns durable.ErrLocked.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+":lock:"+key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, durable.ErrLocked
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, key, stop, done)

	return func() {
		close(stop)
		<-done
		// Release with a fresh context so a cancelled pass still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logging.WithComponent("store.redis").Warn("Failed to release lock", "key", key, "error", err)
		}
	}, nil
}

// keepAlive extends lock to a full TTL on every tick until stop closes or
// the lock is lost.
func (l *Locker) keepAlive(lock *redislock.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.refresh)
		err := lock.Refresh(ctx, l.ttl, nil)
		cancel()
		if errors.Is(err, redislock.ErrNotObtained) {
			logging.WithComponent("store.redis").Warn("Lost instance lock", "key", key)
			return
		}
		if err != nil {
			logging.WithComponent("store.redis").Warn("Failed to refresh lock", "key", key, "error", err)
		}
	}
}
