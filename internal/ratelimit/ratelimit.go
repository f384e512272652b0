package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

// RateLimiter is a redis-backed token bucket keyed per caller. A nil Redis
// client disables limiting (every call is allowed), which keeps single-box
// deployments without redis working.
type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Config LimiterConfig
}

func New(rdb *redis.Client, prefix string, cfg LimiterConfig) *RateLimiter {
	return &RateLimiter{Redis: rdb, Prefix: prefix, Config: cfg}
}

// Token bucket in a Lua script so refill and take are atomic.
// KEYS[1] = bucket key, ARGV = max_tokens, refill_rate (tokens/s), now (ms).
const tokenBucketScript = `
local tokens_key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', tokens_key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
local refill = math.floor(delta * refill_rate)
tokens = math.min(max_tokens, tokens + refill)
if tokens > 0 then
  tokens = tokens - 1
  redis.call('HMSET', tokens_key, 'tokens', tokens, 'last', now)
  redis.call('EXPIRE', tokens_key, 60)
  return 1
else
  redis.call('HMSET', tokens_key, 'tokens', tokens, 'last', now)
  redis.call('EXPIRE', tokens_key, 60)
  return 0
end
`

// Allow takes one token from key's bucket. Errors fail open: a broken
// limiter must not lock residents out of the building.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl == nil || rl.Redis == nil {
		return true
	}
	fullKey := rl.Prefix + ":" + key
	now := time.Now().UnixMilli()
	res, err := rl.Redis.Eval(ctx, tokenBucketScript, []string{fullKey}, rl.Config.Burst, rl.Config.RPS, now).Result()
	if err != nil {
		slog.Error("rate limiter eval failed", "key", fullKey, "error", err)
		return true
	}
	var allowed int64
	switch v := res.(type) {
	case int64:
		allowed = v
	case string:
		allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	return allowed == 1
}
