package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker provides mutual exclusion per key. Sync rounds hold the lock of
// their item for the whole multi-page loop.
type Locker interface {
	// Lock blocks until the key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock reports false immediately when another holder has the key.
	TryLock(ctx context.Context, key string) (Unlock, bool, error)
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker serializes holders within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) entry(key string) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) release(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *MemoryLocker) unlockFunc(key string, e *memoryEntry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlockFunc(key, e), true, nil
	default:
		l.release(key, e)
		return nil, false, nil
	}
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease lock shared by every instance of the service. The
// lease is renewed while held so a long sync round does not lose it, and
// expires on its own if the holder dies.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "bank-link:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  200 * time.Millisecond,
		logger: logger,
	}
}

func (l *RedisLocker) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	redisKey := l.key(key)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseLeaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("Failed to release lease", "key", redisKey, "error", err)
			}
		})
	}
	return unlock, true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendLeaseScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("Failed to extend lease", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("Lease lost while held", "key", redisKey)
				return
			}
		}
	}
}
