// Package ratelimit throttles ad-hoc enqueues per tenant with a token bucket
// kept in the broker's Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Bucket keys live under the fleet prefix so fleet-scoped credentials can use them.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration

	// Clock feeds the refill computation; defaults to time.Now.
	Clock func() time.Time
}

// NewTokenBucket constructs a bucket for one fleet with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, fleet string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   fleet + ":rl:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

func (b *TokenBucket) key(tenant string) string { return b.prefix + tenant }

// Allow consumes a single token from tenant's bucket if available.
// Returns allowed flag and the whole tokens left.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (bool, int64, error) {
	now := time.Now()
	if b.Clock != nil {
		now = b.Clock()
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(tenant)}, b.capacity, b.refill, now.UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	tokens, _ := arr[1].(int64)
	return allowed == 1, tokens, nil
}

// Reset drops tenant's bucket, refilling it to capacity.
func (b *TokenBucket) Reset(ctx context.Context, tenant string) error {
	return b.client.Del(ctx, b.key(tenant)).Err()
}

// Lua numbers are truncated to integers on return, so tokens come back whole.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
