package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is the sorted set holding granted permit timestamps.
const DefaultRedisKey = "lichess:rate_limit:permits"

// reserveScript prunes expired permits and reserves one if the window has room.
// Timestamps come from the Redis server clock so every process sharing the key
// agrees on the window. Scores are microseconds. Returns 0 on grant, otherwise
// the microseconds until the oldest permit ages out.
var reserveScript = redis.NewScript(`
if redis.replicate_commands then
	redis.replicate_commands()
end
local key = KEYS[1]
local width = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - width)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[3])
	redis.call('PEXPIRE', key, math.ceil(width / 1000))
	return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = width - (now - tonumber(oldest[2]))
if wait < 1 then
	wait = 1
end
return math.ceil(wait)
`)

// RedisWindow is a rolling-window limiter whose permit log lives in Redis, so
// several fetcher processes can share one API budget.
//
// If Redis is unreachable it degrades to an in-process Window with the same
// limit and width. That window starts empty: permits already granted through
// Redis in the current window are not counted, and other processes keep their
// own budgets, so during an outage the combined rate can exceed the limit by
// up to one window per process.
type RedisWindow struct {
	redis    *redis.Client
	key      string
	limit    int
	width    time.Duration
	fallback *Window
	logger   zerolog.Logger
}

// NewRedisWindow creates a Redis-backed limiter. An empty key selects DefaultRedisKey.
func NewRedisWindow(redisClient *redis.Client, key string, limit int, width time.Duration, logger zerolog.Logger) (*RedisWindow, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	fallback, err := NewWindow(limit, width)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisWindow{
		redis:    redisClient,
		key:      key,
		limit:    limit,
		width:    width,
		fallback: fallback,
		logger:   logger,
	}, nil
}

// Acquire blocks until a permit is reserved in the shared window.
func (r *RedisWindow) Acquire(ctx context.Context) error {
	member := uuid.NewString()
	waited := false

	for {
		wait, err := r.tryReserve(ctx, member)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().
				Err(err).
				Str("key", r.key).
				Msg("Redis rate limit unavailable, using local window")
			// the local window does not see permits granted through Redis
			return r.fallback.Acquire(ctx)
		}

		if wait == 0 {
			permitsGrantedTotal.WithLabelValues("redis").Inc()
			return nil
		}

		if !waited {
			permitWaitsTotal.WithLabelValues("redis").Inc()
			waited = true
		}
		permitWaitSeconds.WithLabelValues("redis").Observe(wait.Seconds())

		r.logger.Debug().
			Dur("wait", wait).
			Msg("Shared rate window full, waiting")

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RedisWindow) tryReserve(ctx context.Context, member string) (time.Duration, error) {
	res, err := reserveScript.Run(ctx, r.redis, []string{r.key},
		r.width.Microseconds(), r.limit, member).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve permit: %w", err)
	}
	return time.Duration(res) * time.Microsecond, nil
}

// Count returns the number of permits currently recorded in the shared window.
func (r *RedisWindow) Count(ctx context.Context) (int64, error) {
	now, err := r.redis.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("read redis time: %w", err)
	}
	lower := fmt.Sprintf("(%d", now.Add(-r.width).UnixMicro())
	n, err := r.redis.ZCount(ctx, r.key, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count permits: %w", err)
	}
	return n, nil
}

// Reset clears the shared permit log.
func (r *RedisWindow) Reset(ctx context.Context) error {
	if err := r.redis.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("reset permits: %w", err)
	}
	return nil
}
