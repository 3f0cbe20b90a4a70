package governor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and records one request atomically.
// KEYS[1] = window key (e.g. "rate:uid:analyze")
// ARGV[1] = window length in milliseconds
// ARGV[2] = max requests per window
// ARGV[3] = current unix time in milliseconds
// ARGV[4] = member id for the new entry
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local used = redis.call("ZCARD", key)

local allowed = 0
if used < max then
    redis.call("ZADD", key, now, ARGV[4])
    used = used + 1
    allowed = 1
end

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
    oldest = tonumber(first[2])
end

redis.call("PEXPIRE", key, window)

return {allowed, used, oldest}
`)

// RedisRateStore shares windows across instances.
type RedisRateStore struct {
	client *redis.Client
}

// NewRedisRateStore wraps an existing client; the caller owns its
// lifecycle.
func NewRedisRateStore(client *redis.Client) *RedisRateStore {
	return &RedisRateStore{client: client}
}

func (s *RedisRateStore) Take(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		window.Milliseconds(), max, now.UnixMilli(), uuid.NewString()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return Decision{}, fmt.Errorf("invalid response from rate window script")
	}
	allowed, _ := results[0].(int64)
	used, _ := results[1].(int64)
	oldestMs, _ := results[2].(int64)

	return buildDecision(max, window, now, allowed == 1, used, time.UnixMilli(oldestMs)), nil
}

func (s *RedisRateStore) Peek(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}
	used, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}
	oldest := now
	if used > 0 {
		first, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("rate window: %w", err)
		}
		if len(first) == 1 {
			oldest = time.UnixMilli(int64(first[0].Score))
		}
	}
	return buildDecision(max, window, now, used < max, used, oldest), nil
}
