package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockerNotConfigured = errors.New("locker_not_configured")
	ErrInvalidLockKey      = errors.New("invalid_lock_key")
	ErrInvalidLockTTL      = errors.New("invalid_lock_ttl")
)

// Only the holder's token may delete the key, so an expired holder cannot
// release a lock that another instance has since acquired.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker guards singleton work such as the pending charge sweep across
// instances. A nil Locker is valid and never grants a lock.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, release: redis.NewScript(compareAndDeleteScript)}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// TryLock returns the holder token and whether the lock was acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	switch {
	case !l.Enabled():
		return "", false, ErrLockerNotConfigured
	case strings.TrimSpace(key) == "":
		return "", false, ErrInvalidLockKey
	case ttl <= 0:
		return "", false, ErrInvalidLockTTL
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if !l.Enabled() || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}

// WithLock runs fn while holding key. It reports false without calling fn
// when another holder owns the lock. The lock is released on a context that
// outlives ctx so a cancelled job still frees it.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	token, acquired, err := l.TryLock(ctx, key, ttl)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()
	return true, fn(ctx)
}
