package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseSweepLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SweepLocker keeps two scheduler replicas from sweeping at the same time.
type SweepLocker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), acquired bool, err error)
}

// RedisSweepLock is a SET NX lease released with a compare-and-delete, so a
// replica whose lease expired cannot delete a newer holder's lock.
type RedisSweepLock struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSweepLock creates a lock on key.
func NewRedisSweepLock(client redis.UniversalClient, key string) *RedisSweepLock {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "voice_addon:sweep_lock"
	}
	return &RedisSweepLock{client: client, key: key}
}

func (l *RedisSweepLock) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseSweepLockScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

// NoopSweepLock always grants the lock. It is used when Redis is not configured.
type NoopSweepLock struct{}

func (NoopSweepLock) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
