// Command fetch-games downloads the move lists of every Lichess game referenced
// by the puzzle buckets under EPD_ROOT and appends them to one JSONL file per
// bucket. Runs are resumable: ids already present in a bucket's output file
// are never requested again.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/lichess-movelists/pkg/batch"
	"github.com/Sternrassler/lichess-movelists/pkg/bucket"
	"github.com/Sternrassler/lichess-movelists/pkg/client"
	"github.com/Sternrassler/lichess-movelists/pkg/config"
	"github.com/Sternrassler/lichess-movelists/pkg/epd"
	"github.com/Sternrassler/lichess-movelists/pkg/logging"
	"github.com/Sternrassler/lichess-movelists/pkg/metrics"
	"github.com/Sternrassler/lichess-movelists/pkg/pgn"
	"github.com/Sternrassler/lichess-movelists/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// bucketRunner runs one bucket; satisfied by *bucket.Orchestrator.
type bucketRunner interface {
	Run(ctx context.Context, ids []string, outputPath string) (bucket.Summary, error)
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFailure
	}

	if _, err := logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFailure
	}
	logger := logging.NewLogger("cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	releaseOnInterrupt(ctx, stop, done, logger)

	logger.Info().
		Bool("token", cfg.HasToken()).
		Int("rate", cfg.Rate).
		Dur("window", cfg.Window).
		Int("workers", cfg.Workers).
		Int("batch_size", cfg.BatchSize).
		Str("epd_root", cfg.EPDRoot).
		Msg("Lichess game fetcher starting")
	if !cfg.HasToken() {
		logger.Warn().Msg("No LICHESS_TOKEN set, using the unauthenticated rate budget")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return exitFailure
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", opts.Addr).Msg("Failed to connect to Redis")
			return exitFailure
		}
		logger.Info().Str("addr", opts.Addr).Msg("Sharing rate budget through Redis")
	}

	if cfg.MetricsAddr != "" {
		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logging.NewLogger("metrics")); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	orch := bucket.NewOrchestrator(
		bucket.Config{BatchSize: cfg.BatchSize, Workers: cfg.Workers},
		limiterFactory(cfg, redisClient),
		processorFactory(cfg),
		logging.NewLogger("bucket"),
	)

	return runBuckets(ctx, cfg, orch, logger)
}

// runBuckets processes every bucket under cfg.EPDRoot in name order and
// returns the process exit status.
func runBuckets(ctx context.Context, cfg config.Config, runner bucketRunner, logger zerolog.Logger) int {
	buckets, err := epd.DiscoverBuckets(cfg.EPDRoot)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot read EPD root")
		return exitFailure
	}
	if len(buckets) == 0 {
		logger.Warn().Str("epd_root", cfg.EPDRoot).Msg("No bucket directories found")
		return exitOK
	}
	logger.Info().Int("buckets", len(buckets)).Msg("Found bucket directories")

	requested, captured := 0, 0
	for _, b := range buckets {
		if ctx.Err() != nil {
			break
		}

		bucketLogger := logger.With().Str("bucket", b.Name).Logger()
		if len(b.Files) == 0 {
			bucketLogger.Info().Msg("No EPD files found, skipping")
			continue
		}

		ids, counts, err := b.GameIDs()
		if err != nil {
			bucketLogger.Error().Err(err).Msg("Cannot read bucket game ids")
			return exitFailure
		}
		for _, c := range counts {
			bucketLogger.Info().Str("file", c.File).Int("game_ids", c.Count).Msg("Parsed EPD file")
		}
		if len(ids) == 0 {
			bucketLogger.Info().Msg("No game ids found, skipping")
			continue
		}

		summary, err := runner.Run(ctx, ids, b.OutputPath(cfg.OutputPrefix))
		if err != nil {
			bucketLogger.Error().Err(err).Msg("Bucket run failed")
			return exitFailure
		}

		requested += summary.Requested
		captured += summary.Captured()
		bucketLogger.Info().
			Int("new_records", summary.Written).
			Int("failed_batches", summary.FailedBatches).
			Str("total_in_file", fmt.Sprintf("%d/%d", summary.Captured(), summary.Requested)).
			Msg("Bucket complete")
	}

	if ctx.Err() != nil {
		logger.Warn().
			Int("requested", requested).
			Int("captured", captured).
			Msg("Interrupted, remaining buckets not started; rerun to resume")
		return exitInterrupted
	}

	logger.Info().
		Int("requested", requested).
		Int("captured", captured).
		Msg("All buckets processed")
	return exitOK
}

// releaseOnInterrupt stops signal capture as soon as ctx is cancelled so a
// second interrupt terminates the process while in-flight batches drain.
// Closing done before stop keeps a normal return silent.
func releaseOnInterrupt(ctx context.Context, stop func(), done <-chan struct{}, logger zerolog.Logger) {
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		stop()
		select {
		case <-done:
			return
		default:
		}
		logger.Warn().Msg("Interrupt received, finishing in-flight batches; interrupt again to abort")
	}()
}

func limiterFactory(cfg config.Config, redisClient *redis.Client) bucket.LimiterFactory {
	return func() (ratelimit.Limiter, error) {
		if redisClient != nil {
			return ratelimit.NewRedisWindow(redisClient, ratelimit.DefaultRedisKey, cfg.Rate, cfg.Window, logging.NewLogger("ratelimit"))
		}
		return ratelimit.NewWindow(cfg.Rate, cfg.Window)
	}
}

func processorFactory(cfg config.Config) bucket.ProcessorFactory {
	return func(limiter ratelimit.Limiter) (bucket.BatchProcessor, error) {
		clientCfg := client.DefaultConfig(cfg.UserAgent)
		clientCfg.BaseURL = cfg.BaseURL
		clientCfg.Token = cfg.Token
		clientCfg.Retry.MaxAttempts = cfg.MaxAttempts

		lichess, err := client.New(clientCfg, limiter)
		if err != nil {
			return nil, err
		}
		return batch.NewReconciler(lichess, lichess, pgn.UCIDecoder{}, logging.NewLogger("batch")), nil
	}
}

// redisOptions accepts either a redis:// url or a bare host:port address.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}
