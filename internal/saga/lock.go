package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/retailhub/order-saga/pkg/redis"
)

// ErrLockHeld is returned when another worker holds the per-saga lock.
var ErrLockHeld = errors.New("saga lock held by another worker")

// Locker serializes mutation of a single saga across workers. At most
// one orchestrator instance mutates a given saga id at any instant.
type Locker interface {
	// Acquire takes the lock for a saga id. It returns a release
	// function, or ErrLockHeld when the lock is taken.
	Acquire(ctx context.Context, sagaID string) (release func(), err error)
}

// MemoryLocker is the in-process Locker for tests and single-process
// deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]bool
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, sagaID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks[sagaID] {
		return nil, ErrLockHeld
	}
	l.locks[sagaID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locks, sagaID)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release, so a worker never releases a lock it lost to TTL expiry.
type RedisLocker struct {
	client    *redisclient.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redisclient.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		keyPrefix: "saga:lock:",
		ttl:       ttl,
	}
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

func (l *RedisLocker) Acquire(ctx context.Context, sagaID string) (func(), error) {
	key := l.keyPrefix + sagaID
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.Eval(releaseCtx, releaseScript, []string{key}, token)
	}, nil
}
