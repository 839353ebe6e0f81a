package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/castellan/castellan/internal/cache"
	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
)

// RedisLimiter keeps the counting windows in Redis so multiple instances
// share one view of each credential's window. The whole check-and-count
// runs in a Lua script, which Redis executes atomically.
type RedisLimiter struct {
	redis *cache.Redis
}

// NewRedisLimiter creates a limiter over the given Redis connection.
func NewRedisLimiter(redis *cache.Redis) *RedisLimiter {
	return &RedisLimiter{redis: redis}
}

var _ Limiter = (*RedisLimiter)(nil)

// Lua script for the fixed-window check-and-count. The window state is a
// hash {start, total, success}; a stale window is replaced before the
// attempt is evaluated. Returns 1 when the attempt was counted, 0 when it
// was rejected.
const luaRecordAttempt = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max_total = tonumber(ARGV[2])
local max_success = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local succeeded = tonumber(ARGV[5])

local start = tonumber(redis.call('HGET', key, 'start'))
if not start or now >= start + window then
    redis.call('DEL', key)
    redis.call('HSET', key, 'start', now, 'total', 0, 'success', 0)
    redis.call('EXPIRE', key, window * 2)
end

local total = tonumber(redis.call('HGET', key, 'total'))
local success = tonumber(redis.call('HGET', key, 'success'))

if total >= max_total then
    return 0
end
if succeeded == 1 and success >= max_success then
    return 0
end

redis.call('HINCRBY', key, 'total', 1)
if succeeded == 1 then
    redis.call('HINCRBY', key, 'success', 1)
end
return 1
`

// RecordAttempt checks the credential's window and counts the attempt when
// it is allowed. Disabled configurations pass without bookkeeping.
func (l *RedisLimiter) RecordAttempt(ctx context.Context, id uuid.UUID, cfg models.RateLimit, succeeded bool, now time.Time) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:window:%s", id.String())
	windowSeconds := int(windowFor(cfg) / time.Second)
	succeededArg := 0
	if succeeded {
		succeededArg = 1
	}

	result, err := l.redis.Client.Eval(ctx, luaRecordAttempt,
		[]string{key},
		windowSeconds, cfg.MaxRequests, cfg.MaxSuccesses, now.Unix(), succeededArg,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to record rate-limit attempt: %w", err)
	}

	return result == 1, nil
}

// Reset discards the credential's window.
func (l *RedisLimiter) Reset(ctx context.Context, id uuid.UUID) error {
	key := fmt.Sprintf("ratelimit:window:%s", id.String())
	return l.redis.Client.Del(ctx, key).Err()
}
