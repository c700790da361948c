package util

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another owner holds the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// Locker grants exclusive ownership of a key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	keys *KeyMutex
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: NewKeyMutex(256)}
}

// Lock blocks until key is free.
func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	return l.keys.Lock(key), nil
}

// unlockScript deletes the key only when we still own it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock shared by every process talking to one Redis.
// A lease that outlives its owner expires after ttl.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Lock tries once to take the lease. It returns ErrLockHeld when taken.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	full := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, full, owner, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.rdb, []string{full}, owner).Err()
	}, nil
}

// WaitLocker turns a Locker that fails fast with ErrLockHeld into one that
// waits, polling every interval until the lock is taken or ctx is done.
type WaitLocker struct {
	locker   Locker
	interval time.Duration
}

// NewWaitLocker wraps l.
func NewWaitLocker(l Locker, interval time.Duration) *WaitLocker {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &WaitLocker{locker: l, interval: interval}
}

func (w *WaitLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := w.locker.Lock(ctx, key)
		if !errors.Is(err, ErrLockHeld) {
			return unlock, err
		}

		t := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
