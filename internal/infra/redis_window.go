package infra

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
)

// admitScript performs the full multi-tier admission atomically: for each
// tier key it evicts entries past the window edge and counts; the first
// exhausted tier denies without recording anything. Only when every tier
// passes is one entry ZADDed into each window — a partial record across
// tiers is impossible because the script runs as one unit.
//
// KEYS:   one sorted set per tier
// ARGV:   nowMs, requestId, then per tier: windowMs, limit
// Return: {1, remaining} on allow, {0, retryAfterMs, tierIndex} on deny.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local requestId = ARGV[2]
local remaining = -1

for i = 1, #KEYS do
  local windowMs = tonumber(ARGV[2*i + 1])
  local limit = tonumber(ARGV[2*i + 2])
  local edge = now - windowMs

  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', edge)
  local count = redis.call('ZCARD', KEYS[i])

  if count >= limit then
    local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
    local retryAfterMs = windowMs
    if oldest[2] then
      retryAfterMs = math.max(1, tonumber(oldest[2]) + windowMs - now)
    end
    return {0, retryAfterMs, i}
  end

  local left = limit - count - 1
  if remaining < 0 or left < remaining then
    remaining = left
  end
end

for i = 1, #KEYS do
  local windowMs = tonumber(ARGV[2*i + 1])
  redis.call('ZADD', KEYS[i], now, requestId)
  redis.call('PEXPIRE', KEYS[i], windowMs)
end

return {1, remaining}
`)

// RedisWindowStore implements ratelimit.WindowStore on Redis sorted sets,
// one set per (key, tier).
type RedisWindowStore struct {
	rdb *redis.Client
}

// NewRedisWindowStore wraps a connected client.
func NewRedisWindowStore(rdb *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{rdb: rdb}
}

func tierKey(key, tier string) string { return key + ":" + tier }

// Admit implements WindowStore via the atomic admission script.
func (s *RedisWindowStore) Admit(ctx context.Context, key string, tiers []ratelimit.Tier, now time.Time, requestID string) (ratelimit.Decision, error) {
	keys := make([]string, len(tiers))
	argv := make([]interface{}, 0, 2+2*len(tiers))
	argv = append(argv, now.UnixMilli(), requestID)
	for i, t := range tiers {
		keys[i] = tierKey(key, t.Name)
		argv = append(argv, t.Window.Milliseconds(), t.Limit)
	}

	res, err := admitScript.Run(ctx, s.rdb, keys, argv...).Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("admit script: %w", err)
	}
	if len(res) < 2 {
		return ratelimit.Decision{}, fmt.Errorf("admit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		remaining, _ := res[1].(int64)
		return ratelimit.Decision{Allowed: true, Remaining: int(remaining)}, nil
	}

	retryAfterMs, _ := res[1].(int64)
	d := ratelimit.Decision{RetryAfter: time.Duration(retryAfterMs) * time.Millisecond}
	if len(res) >= 3 {
		if idx, _ := res[2].(int64); idx >= 1 && int(idx) <= len(tiers) {
			d.DeniedTier = tiers[idx-1].Name
		}
	}
	return d, nil
}

// Usage reports current per-tier counts after eviction, without recording.
func (s *RedisWindowStore) Usage(ctx context.Context, key string, tiers []ratelimit.Tier, now time.Time) (map[string]int, error) {
	pipe := s.rdb.Pipeline()
	cards := make([]*redis.IntCmd, len(tiers))
	for i, t := range tiers {
		k := tierKey(key, t.Name)
		edge := now.Add(-t.Window).UnixMilli()
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(edge, 10))
		cards[i] = pipe.ZCard(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("usage pipeline: %w", err)
	}

	out := make(map[string]int, len(tiers))
	for i, t := range tiers {
		out[t.Name] = int(cards[i].Val())
	}
	return out, nil
}

// Reset deletes every window whose key starts with the prefix.
func (s *RedisWindowStore) Reset(ctx context.Context, keyPrefix string) (int, error) {
	var cleared int
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return cleared, fmt.Errorf("reset del: %w", err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		return cleared, fmt.Errorf("reset scan: %w", err)
	}
	return cleared, nil
}

var _ ratelimit.WindowStore = (*RedisWindowStore)(nil)
