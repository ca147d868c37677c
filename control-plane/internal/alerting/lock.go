package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/dialer/control-plane/internal/config"
)

// Locker provides mutual exclusion per alert key.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// LOCAL
// =============================================================================

// LocalLocker serializes holders of the same key within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires key.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns the number of keys currently tracked.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// =============================================================================
// REDIS
// =============================================================================

const redisLockPrefix = "dialer:alert-lock:"

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker extends per-key exclusion across control plane replicas.
//
// The local lock is always taken first so one replica never contends with
// itself in Redis. When Redis is unreachable the locker degrades to the local
// lock and logs; the unique active-alert index remains the final guard.
type RedisLocker struct {
	client redis.UniversalClient
	local  *LocalLocker
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker backed by client.
func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		local:  NewLocalLocker(),
		ttl:    config.AlertLockTTL,
		retry:  config.AlertLockRetry,
		logger: logger.With("component", "redis_locker"),
	}
}

// Lock acquires key locally and then in Redis.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	name := redisLockPrefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				unlockLocal()
				return nil, ctx.Err()
			}
			r.logger.Warn("redis lock unavailable, using local lock only", "key", key, "error", err)
			return unlockLocal, nil
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{name}, token).Err(); err != nil {
			r.logger.Warn("failed to release redis lock", "key", key, "error", err)
		}
		unlockLocal()
	}, nil
}
