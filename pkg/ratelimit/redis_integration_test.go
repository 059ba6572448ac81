//go:build integration

package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisWindow_Integration_GrantsUpToLimit(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	limiter, err := NewRedisWindow(redisClient, "test:permits", 3, time.Hour, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
	}

	count, err := limiter.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(blockedCtx); err == nil {
		t.Error("Acquire() on full window succeeded, want context error")
	}

	if err := limiter.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := limiter.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after Reset() error = %v", err)
	}
}

func TestRedisWindow_Integration_SharedAcrossLimiters(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	// Two limiters on the same key model two fetcher processes.
	a, err := NewRedisWindow(redisClient, "test:shared", 5, time.Second, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	b, err := NewRedisWindow(redisClient, "test:shared", 5, time.Second, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		limiter := a
		if i%2 == 1 {
			limiter = b
		}
		go func(l *RedisWindow) {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("Acquire() error = %v", err)
			}
		}(limiter)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("6 permits with shared limit 5/s took %v, want close to 1s", elapsed)
	}
}

func TestRedisWindow_Integration_StampsWithServerClock(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	limiter, err := NewRedisWindow(redisClient, "test:clock", 2, time.Minute, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	serverNow, err := redisClient.Time(ctx).Result()
	if err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	stamps, err := redisClient.ZRangeWithScores(ctx, "test:clock", 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRangeWithScores() error = %v", err)
	}
	if len(stamps) != 1 {
		t.Fatalf("permits = %d, want 1", len(stamps))
	}

	skew := time.Duration(serverNow.UnixMicro()-int64(stamps[0].Score)) * time.Microsecond
	if skew < 0 || skew > time.Second {
		t.Errorf("permit stamped %v before server time, want within 1s of the Redis clock", skew)
	}
}
