package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles attestation submissions per reporter.
type RateLimiter interface {
	Allow(ctx context.Context, reporterID string) (bool, error)
}

// fixedWindowScript counts submissions per reporter in a fixed window,
// atomically, so multiple engine replicas share one budget.
// KEYS[1] = window key, ARGV[1] = limit, ARGV[2] = window seconds
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RedisRateLimiter implements RateLimiter on a shared Redis instance.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(addr string, limit int, window time.Duration) *RedisRateLimiter {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisRateLimiter{
		client: rdb,
		limit:  limit,
		window: window,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, reporterID string) (bool, error) {
	key := fmt.Sprintf("attestation-rate:%s", reporterID)
	allowed, err := fixedWindowScript.Run(ctx, l.client, []string{key},
		l.limit, int(l.window.Seconds())).Int()
	if err != nil {
		return false, errors.Wrap(err, "running rate limit script")
	}
	return allowed == 1, nil
}

// NoopRateLimiter disables rate limiting. Used when no redis address is
// configured.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Allow(context.Context, string) (bool, error) {
	return true, nil
}
