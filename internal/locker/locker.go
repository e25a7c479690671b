// Package locker provides the advisory run lock that keeps two sync runs
// for the same connection from overlapping. The Redis implementation is
// shared across processes; the local implementation covers single-process
// deployments and tests.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotHeld is returned when releasing a lock this holder no longer owns.
var ErrNotHeld = errors.New("locker: lock not held")

// Release gives back an acquired lock.
type Release func(ctx context.Context) error

// Locker is a non-blocking advisory lock. Acquire reports ok=false when
// another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
}

// releaseScript deletes the key only when the holder token still matches,
// so an expired lock re-acquired by someone else is never released here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on Redis SET NX with a per-holder token.
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client, logger zerolog.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLocker{client: client, logger: logger}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	l.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Acquired run lock")

	release := func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if deleted == 0 {
			return ErrNotHeld
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker implements Locker with process-local state.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocal creates a process-local locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = token

	release := func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] != token {
			return ErrNotHeld
		}
		delete(l.held, key)
		return nil
	}
	return release, true, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
