package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window counters live under "<prefix>:rl:<key>:<second>" and expire on
// their own, so a limiter restart never leaks keys.
const windowKeyTTLSeconds = 2

// countWindow increments the window counter and stamps its TTL on first
// touch, in one round trip.
var countWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter implements a fixed-window rate limiter backed by redis, so
// limits hold across gateway instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Allow checks whether the request should be allowed in the current second.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" || l == nil || l.client == nil {
		return Result{Allowed: true}, nil
	}
	sec := now.Unix()
	count, errEval := countWindow.Run(ctx, l.client, []string{l.windowKey(key, sec)}, windowKeyTTLSeconds).Int64()
	if errEval != nil {
		return Result{}, errEval
	}
	reset := time.Unix(sec+1, 0).UTC()
	if count > int64(limit) {
		return Result{Allowed: false, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: limit - int(count), Reset: reset}, nil
}

func (l *RedisLimiter) windowKey(key string, sec int64) string {
	if l.prefix == "" {
		return fmt.Sprintf("rl:%s:%d", key, sec)
	}
	return fmt.Sprintf("%s:rl:%s:%d", l.prefix, key, sec)
}
