package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Two windows of slack so counters outlive their minute under clock skew.
const redisWindowTTLSeconds = 120

// allowScript increments the window counter and sets its TTL on first
// touch, atomically.
var allowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is a shared fixed-window counter, accurate across relay
// instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter constructs a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relay:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow counts one request against the key's current minute window.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	window := windowStart(now)
	resetAt := window.Add(time.Minute)
	counterKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, window.Unix())

	current, errRun := allowScript.Run(ctx, r.client, []string{counterKey}, redisWindowTTLSeconds).Int()
	if errRun != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr: %w", errRun)
	}
	if current > limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}, nil
}
