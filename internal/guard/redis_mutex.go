package guard

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired signals the mutex could not be taken within the wait budget.
var ErrLockNotAcquired = errors.New("distributed lock not acquired")

// releaseScript deletes the key only when it still holds our token, so an
// expired lease taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMutexClient is the minimal client surface used by Mutex.
type RedisMutexClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Mutex is a cross-process mutual-exclusion primitive backed by Redis.
// Keys are resource-scoped (e.g. "coupon:stock:5") so unrelated resources
// never contend. The lease auto-expires if the holder crashes.
type Mutex struct {
	client       RedisMutexClient
	pollInterval time.Duration
}

// NewMutex constructs a Mutex over the given client.
func NewMutex(client RedisMutexClient) *Mutex {
	return &Mutex{
		client:       client,
		pollInterval: 25 * time.Millisecond,
	}
}

// WithLock acquires the lease for key, runs fn, and releases the lease
// regardless of fn's outcome. It queues up to wait for the lock; failing
// to acquire within wait is a hard failure, not a silent skip.
func (m *Mutex) WithLock(ctx context.Context, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer m.release(key, token)

	return fn(ctx)
}

func (m *Mutex) acquire(ctx context.Context, key string, wait, lease time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ok, err := m.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().Add(m.pollInterval).After(deadline) {
			return "", ErrLockNotAcquired
		}
		if err := SleepWithContext(ctx, m.pollInterval); err != nil {
			return "", err
		}
	}
}

func (m *Mutex) release(key, token string) {
	// Release must run even when the guarded body's context expired.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, m.client, []string{key}, token).Err()
}
