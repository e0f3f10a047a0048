package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = ttl (seconds)
// Tokens are returned as a string; Lua numbers convert to integer replies.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// peekScript reports refilled tokens without writing.
var peekScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    return tostring(capacity)
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
end
return tostring(tokens)
`)

// RedisStore shares buckets across gateway replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "toolgate:limiter:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// ttlSeconds keeps an idle bucket around until it would be full again, with slack.
func ttlSeconds(p Policy) int64 {
	return int64(math.Ceil(2*p.Window.Seconds())) + 1
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func (s *RedisStore) Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		p.Rate(), p.Capacity, unixSeconds(now), ttlSeconds(p)).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("Take: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("Take: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	raw, _ := results[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("Take: parse tokens: %w", err)
	}
	return decide(key, p, allowed == 1, tokens), nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, p Policy, now time.Time) (BucketState, error) {
	raw, err := peekScript.Run(ctx, s.client, []string{s.prefix + key},
		p.Rate(), p.Capacity, unixSeconds(now)).Text()
	if err != nil {
		return BucketState{}, fmt.Errorf("Peek: %w", err)
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return BucketState{}, fmt.Errorf("Peek: parse tokens: %w", err)
	}
	return BucketState{Key: key, Capacity: p.Capacity, Window: p.Window, Tokens: tokens}, nil
}
