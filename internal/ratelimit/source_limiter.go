// Package ratelimit guards the ingest path against misbehaving producers.
// A runaway probe or a retry loop in an adapter should exhaust its own
// budget, not flood the queue for everyone else.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "inbox:rl:"

// SourceLimiter is a distributed token bucket keyed by message source.
type SourceLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a limiter with the provided capacity and refill rate.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SourceLimiter {
	return &SourceLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for the source if available. When the bucket is
// empty it returns false plus the wait until a token accrues.
func (l *SourceLimiter) Allow(ctx context.Context, source string) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := limiterScript.Run(ctx, l.client, []string{keyPrefix + source},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed, _ := arr[0].(int64)
	waitMs, _ := arr[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// limiterScript refills lazily from the elapsed time since the last call and
// reports how long an empty bucket needs before the next token.
var limiterScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then tokens = capacity end
if updated == nil then updated = now end

local elapsed = math.max(0, now - updated)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait_ms = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, wait_ms}
`)
