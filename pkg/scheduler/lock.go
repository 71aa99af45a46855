package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the scheduler lock could not be
// acquired within the bounded wait. Callers must treat the operation as
// failed; proceeding unsynchronized risks duplicate work.
var ErrLockTimeout = errors.New("scheduler: lock acquisition timed out")

// releaseScript deletes the lock key only if it still holds our token,
// so an expired lock re-acquired by another process is never released
// from here.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Lock is a named mutual-exclusion lock on a Redis key. All mutating
// task operations system-wide serialize on a single instance of it.
type Lock struct {
	rdb  *redis.Client
	key  string
	ttl  time.Duration
	wait time.Duration
}

// NewLock returns a lock on key. ttl bounds how long a crashed holder
// can block others; wait bounds how long Acquire blocks.
func NewLock(rdb *redis.Client, key string, ttl, wait time.Duration) *Lock {
	return &Lock{rdb: rdb, key: key, ttl: ttl, wait: wait}
}

// Acquire takes the lock, polling until the bounded wait elapses.
// It returns the holder token needed to release.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release gives the lock back if token still holds it.
func (l *Lock) Release(ctx context.Context, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
}
