/**
 * @description
 * Distributed run-lock for the billing jobs. When several replicas share the
 * same cron schedule, only the one holding the Redis lock runs the cycle; the
 * rest skip it. Correctness never depends on the lock (retry decisions come
 * from durable payment history); it only avoids redundant charge attempts.
 */
package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock implements a best-effort distributed lock using Redis.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRunLock creates a run lock with the given key prefix.
func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "billing:run_lock"
	}
	return &RedisRunLock{client: client, prefix: trimmed}
}

// Acquire attempts to take the lock for a job. Without a configured client it
// degrades to always acquiring, so a missing Redis never blocks billing.
func (l *RedisRunLock) Acquire(ctx context.Context, job string, ttl time.Duration) (token string, acquired bool, err error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}

	token = uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(job), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release frees the lock if this holder still owns it.
func (l *RedisRunLock) Release(ctx context.Context, job, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return releaseLockScript.Run(ctx, l.client, []string{l.key(job)}, token).Err()
}

func (l *RedisRunLock) key(job string) string {
	return l.prefix + ":" + job
}
