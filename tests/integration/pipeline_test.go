//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/lichess-movelists/internal/testutil"
	"github.com/Sternrassler/lichess-movelists/pkg/batch"
	"github.com/Sternrassler/lichess-movelists/pkg/bucket"
	"github.com/Sternrassler/lichess-movelists/pkg/client"
	"github.com/Sternrassler/lichess-movelists/pkg/jsonl"
	"github.com/Sternrassler/lichess-movelists/pkg/logging"
	"github.com/Sternrassler/lichess-movelists/pkg/pgn"
	"github.com/Sternrassler/lichess-movelists/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// testTransport redirects requests for lichess.org to the mock server.
type testTransport struct {
	mockServer *testutil.MockLichess
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == "" || req.URL.Host == "lichess.org" {
		req.URL.Scheme = "http"
		req.URL.Host = strings.TrimPrefix(t.mockServer.URL(), "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newProcessorFactory(mock *testutil.MockLichess) bucket.ProcessorFactory {
	return func(limiter ratelimit.Limiter) (bucket.BatchProcessor, error) {
		cfg := client.DefaultConfig("lichess-movelists-integration/1.0")
		cfg.Retry.RateLimitBackoff = 50 * time.Millisecond
		cfg.Retry.TransientDelay = 10 * time.Millisecond

		c, err := client.New(cfg, limiter)
		if err != nil {
			return nil, err
		}
		c.SetHTTPClient(&http.Client{Transport: &testTransport{mockServer: mock}})
		return batch.NewReconciler(c, c, pgn.UCIDecoder{}, logging.Nop()), nil
	}
}

func addGames(mock *testutil.MockLichess, prefix string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%06d", prefix, i)
		mock.AddGame(id, testutil.GamePGN(id, "1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7#"))
		ids = append(ids, id)
	}
	return ids
}

func outputIDs(t *testing.T, path string) []string {
	t.Helper()
	set, err := jsonl.LoadIDs(path)
	if err != nil {
		t.Fatalf("LoadIDs() error = %v", err)
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TestPipeline_SharedRedisBudget runs two buckets concurrently against one
// Redis-held rolling window and checks both the output and the pacing.
func TestPipeline_SharedRedisBudget(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockLichess()
	defer mock.Close()

	bucketA := addGames(mock, "ab", 6)
	bucketB := addGames(mock, "cd", 6)

	const limit = 5
	newLimiter := func() (ratelimit.Limiter, error) {
		return ratelimit.NewRedisWindow(redisClient, "lichess:test:shared", limit, time.Second, logging.Nop())
	}

	dir := t.TempDir()
	outputs := map[string][]string{
		filepath.Join(dir, "games-a.jsonl"): bucketA,
		filepath.Join(dir, "games-b.jsonl"): bucketB,
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, len(outputs))
	for out, ids := range outputs {
		wg.Add(1)
		go func(out string, ids []string) {
			defer wg.Done()
			// batch size 1: one bulk permit per id
			orch := bucket.NewOrchestrator(bucket.Config{BatchSize: 1, Workers: 3}, newLimiter, newProcessorFactory(mock), logging.Nop())
			if _, err := orch.Run(context.Background(), ids, out); err != nil {
				errs <- err
			}
		}(out, ids)
	}
	wg.Wait()
	close(errs)
	elapsed := time.Since(start)

	for err := range errs {
		t.Fatalf("Run() error = %v", err)
	}

	for out, ids := range outputs {
		if got := outputIDs(t, out); strings.Join(got, ",") != strings.Join(ids, ",") {
			t.Errorf("%s ids = %v, want %v", filepath.Base(out), got, ids)
		}
	}

	// 12 permits at 5 per second: the last grant cannot come before t = 2s
	if elapsed < 1900*time.Millisecond {
		t.Errorf("elapsed = %v, want >= ~2s for 12 permits at %d/s", elapsed, limit)
	}
	if got := len(mock.BulkRequests()); got != 12 {
		t.Errorf("bulk requests = %d, want 12", got)
	}
}

// TestPipeline_ResumeAfterPartialRun fails the first run's bulk requests and
// checks that the second run only requests what is still missing.
func TestPipeline_ResumeAfterPartialRun(t *testing.T) {
	mock := testutil.NewMockLichess()
	defer mock.Close()

	ids := addGames(mock, "ef", 4)
	// a game that does not exist upstream is requested on every run
	ids = append(ids, "missing1")

	// first bulk request fails on every attempt, single fetches serve the batch
	mock.QueueBulk(
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
	)
	mock.QueueSingle("ef000002", testutil.NewRateLimitResponse(), testutil.NewRateLimitResponse(), testutil.NewRateLimitResponse())

	newLimiter := func() (ratelimit.Limiter, error) {
		return ratelimit.NewWindow(100, time.Second)
	}
	out := filepath.Join(t.TempDir(), "games.jsonl")
	orch := bucket.NewOrchestrator(bucket.Config{BatchSize: 10, Workers: 2}, newLimiter, newProcessorFactory(mock), logging.Nop())

	first, err := orch.Run(context.Background(), ids, out)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Written != 3 {
		t.Errorf("first run written = %d, want 3 (ef000002 rate limited, missing1 not found)", first.Written)
	}

	second, err := orch.Run(context.Background(), ids, out)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.ToFetch != 2 || second.Written != 1 {
		t.Errorf("second run = %+v, want to_fetch=2 written=1", second)
	}

	bulk := mock.BulkRequests()
	last := bulk[len(bulk)-1]
	if strings.Join(last, ",") != "ef000002,missing1" {
		t.Errorf("second run bulk ids = %v, want [ef000002 missing1]", last)
	}

	want := []string{"ef000000", "ef000001", "ef000002", "ef000003"}
	if got := outputIDs(t, out); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("output ids = %v, want %v", got, want)
	}
}
