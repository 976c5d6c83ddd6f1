package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-session/internal/repository"
)

// incrScript increments a counter and starts its window on the first hit so
// that no counter can exist without a TTL.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisRateCounter implements RateCounter with Redis INCR and key expiry.
type RedisRateCounter struct {
	client redis.UniversalClient
}

var _ repository.RateCounter = (*RedisRateCounter)(nil)

// NewRedisRateCounter constructs a Redis-backed counter.
func NewRedisRateCounter(client redis.UniversalClient) *RedisRateCounter {
	return &RedisRateCounter{client: client}
}

// Increment bumps key and returns the new count and the remaining window.
func (c *RedisRateCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("increment %s: unexpected reply %v", key, res)
	}
	return res[0], pttl(res[1]), nil
}

// Count returns the current count without modifying it.
func (c *RedisRateCounter) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := c.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("count %s: %w", key, err)
	}
	n, err := get.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("count %s: %w", key, err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return n, remaining, nil
}

// Reset deletes the counter.
func (c *RedisRateCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

func pttl(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
