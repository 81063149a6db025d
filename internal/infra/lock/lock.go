// Package lock provides best-effort distributed locks over the shared redis
// cache. A lock is an "add if absent" key with a TTL; it only narrows the
// window for duplicate work, the row-level guard in the store stays the
// source of truth.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type cache interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisLocker struct {
	rdb cache
}

func NewRedisLocker(rdb cache) *redisLocker {
	return &redisLocker{rdb: rdb}
}

// Acquire takes the lock for owner if nobody holds it. Returning false is not
// an error: another execution is already in flight for the resource and the
// caller should skip.
func (l *redisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Peek reports the current holder of the lock, if any.
func (l *redisLocker) Peek(ctx context.Context, key string) (string, bool, error) {
	owner, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return owner, true, nil
}

// Release removes the lock unconditionally. Always called from the cleanup
// path regardless of outcome.
func (l *redisLocker) Release(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func StudyKey(studyID int64) string {
	return fmt.Sprintf("lock:study:%d", studyID)
}

func ReportKey(patientID int64) string {
	return fmt.Sprintf("lock:report:patient:%d", patientID)
}
