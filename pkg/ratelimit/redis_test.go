package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestNewRedisWindow_Validation(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()

	if _, err := NewRedisWindow(nil, "", 15, time.Second, logger); err == nil {
		t.Error("Expected error for nil redis client")
	}
	if _, err := NewRedisWindow(redisClient, "", 0, time.Second, logger); err == nil {
		t.Error("Expected error for zero limit")
	}

	limiter, err := NewRedisWindow(redisClient, "", 15, time.Second, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	if limiter.key != DefaultRedisKey {
		t.Errorf("key = %q, want %q", limiter.key, DefaultRedisKey)
	}
}

func TestRedisWindow_FallsBackWhenRedisUnavailable(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	// Nothing listens on this port.
	redisClient := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer redisClient.Close()

	limiter, err := NewRedisWindow(redisClient, "", 2, time.Hour, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
	}

	if got := limiter.fallback.InFlight(); got != 2 {
		t.Errorf("fallback InFlight() = %d, want 2", got)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(blockedCtx); err == nil {
		t.Error("Acquire() beyond fallback limit succeeded, want context error")
	}
}
