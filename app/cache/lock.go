package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrLockHeld = errors.New("lock is held by another worker")

const (
	lockAttempts   = 5
	lockRetryDelay = 50 * time.Millisecond
)

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type RedisLocker struct {
	cli    *redis.Client
	prefix string
}

func NewRedisLocker(cli *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{cli: cli, prefix: prefix}
}

// TryLock takes the key with a random token, retrying briefly while another
// holder owns it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < lockAttempts; i++ {
		ok, err := l.cli.SetNX(ctx, l.prefix+key, token, ttl).Result()
		if err != nil {
			lastErr = err
		} else if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrLockHeld
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Unlock releases the key only when it is still owned by token.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := luaUnlock.Run(ctx, l.cli, []string{l.prefix + key}, token).Result()
	return err
}

// NoopLocker always grants the lock. Used when Redis is not configured; the
// ledger's conditional writes still keep deliveries exactly-once.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (string, error) {
	return "noop", nil
}

func (NoopLocker) Unlock(context.Context, string, string) error {
	return nil
}
