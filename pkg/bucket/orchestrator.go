package bucket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/lichess-movelists/pkg/jsonl"
	"github.com/Sternrassler/lichess-movelists/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_bucket_batches_total",
		Help: "Batches processed by bucket runs, by outcome",
	}, []string{"outcome"}) // "ok", "failed", "skipped"

	recordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lichess_bucket_records_written_total",
		Help: "Records appended to output files",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lichess_bucket_run_duration_seconds",
		Help:    "Duration of bucket runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

// Config holds orchestrator configuration
type Config struct {
	// BatchSize is the maximum number of ids per bulk request
	BatchSize int
	// Workers is the number of batches processed concurrently
	Workers int
}

// DefaultConfig returns the defaults used by the CLI
func DefaultConfig() Config {
	return Config{
		BatchSize: 300,
		Workers:   8,
	}
}

// BatchProcessor turns a batch of ids into output records.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, ids []string) ([]jsonl.Record, error)
}

// LimiterFactory builds the limiter shared by every worker of one run.
type LimiterFactory func() (ratelimit.Limiter, error)

// ProcessorFactory builds the batch processor for one run around its limiter.
type ProcessorFactory func(limiter ratelimit.Limiter) (BatchProcessor, error)

// BatchError reports a batch that contributed no records.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Summary describes one finished run.
type Summary struct {
	RunID          string
	Requested      int // unique ids in the bucket
	Existing       int // requested ids already present in the output file
	ToFetch        int
	Batches        int
	FailedBatches  int
	SkippedBatches int // not started because the run was interrupted
	Written        int
	Interrupted    bool
	Errors         []*BatchError
	Duration       time.Duration
}

// Captured is the number of requested ids present in the output file after the run.
func (s Summary) Captured() int {
	return s.Existing + s.Written
}

// Orchestrator runs buckets: resume scan, batching, worker pool, single final append.
type Orchestrator struct {
	config       Config
	newLimiter   LimiterFactory
	newProcessor ProcessorFactory
	logger       zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(config Config, newLimiter LimiterFactory, newProcessor ProcessorFactory, logger zerolog.Logger) *Orchestrator {
	if config.BatchSize <= 0 {
		config.BatchSize = 300
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}

	return &Orchestrator{
		config:       config,
		newLimiter:   newLimiter,
		newProcessor: newProcessor,
		logger:       logger,
	}
}

type batchResult struct {
	index   int
	records []jsonl.Record
	err     error
}

// Run fetches every id of the bucket not yet present in outputPath and appends
// the new records in one pass once all batches are done.
//
// Cancelling ctx stops dispatch of further batches. Batches already started
// run to completion and their records are written. The returned error is
// non-nil only when the output file cannot be written or the run cannot be set up.
func (o *Orchestrator) Run(ctx context.Context, ids []string, outputPath string) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: uuid.NewString()}
	logger := o.logger.With().
		Str("run_id", summary.RunID).
		Str("output", outputPath).
		Logger()

	requested := uniqueIDs(ids)
	summary.Requested = len(requested)

	existing, err := jsonl.LoadIDs(outputPath)
	if err != nil {
		// partial set is still a valid resume point
		logger.Warn().
			Err(err).
			Int("loaded", len(existing)).
			Msg("Resume scan incomplete, continuing with ids read so far")
	}

	toFetch := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, done := existing[id]; done {
			summary.Existing++
			continue
		}
		toFetch = append(toFetch, id)
	}
	sort.Strings(toFetch)
	summary.ToFetch = len(toFetch)

	logger.Info().
		Int("requested", summary.Requested).
		Int("existing", summary.Existing).
		Int("to_fetch", summary.ToFetch).
		Msg("Resume scan complete")

	if len(toFetch) == 0 {
		summary.Duration = time.Since(start)
		logger.Info().Msg("Nothing to fetch")
		return summary, nil
	}

	limiter, err := o.newLimiter()
	if err != nil {
		return summary, fmt.Errorf("create rate limiter: %w", err)
	}
	processor, err := o.newProcessor(limiter)
	if err != nil {
		return summary, fmt.Errorf("create batch processor: %w", err)
	}

	batches := chunk(toFetch, o.config.BatchSize)
	summary.Batches = len(batches)

	workers := o.config.Workers
	if workers > len(batches) {
		workers = len(batches)
	}

	logger.Info().
		Int("batches", len(batches)).
		Int("batch_size", o.config.BatchSize).
		Int("workers", workers).
		Msg("Starting batch fetch")

	// Unbuffered: a batch counts as started only once a worker has taken it.
	batchQueue := make(chan int)
	results := make(chan batchResult, len(batches))

	go func() {
		defer close(batchQueue)
		for i := range batches {
			select {
			case <-ctx.Done():
				return
			case batchQueue <- i:
			}
		}
	}()

	// In-flight batches must not be torn down by an interrupt.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(workCtx, processor, batches, batchQueue, results, &wg, i, logger)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var records []jsonl.Record
	completed := 0
	for result := range results {
		completed++
		if result.err != nil {
			batchErr := &BatchError{Index: result.index, Err: result.err}
			summary.FailedBatches++
			summary.Errors = append(summary.Errors, batchErr)
			batchesTotal.WithLabelValues("failed").Inc()
			logger.Warn().
				Err(batchErr).
				Int("batch", result.index).
				Int("ids", len(batches[result.index])).
				Msg("Batch failed, its ids will be retried on the next run")
			continue
		}

		records = append(records, result.records...)
		batchesTotal.WithLabelValues("ok").Inc()
		logger.Info().
			Int("batch", result.index).
			Int("records", len(result.records)).
			Int("ids", len(batches[result.index])).
			Int("completed", completed).
			Int("total", len(batches)).
			Float64("progress_pct", float64(completed)/float64(len(batches))*100).
			Msg("Batch complete")
	}

	summary.SkippedBatches = len(batches) - completed
	if summary.SkippedBatches > 0 {
		summary.Interrupted = true
		batchesTotal.WithLabelValues("skipped").Add(float64(summary.SkippedBatches))
		logger.Warn().
			Int("skipped_batches", summary.SkippedBatches).
			Msg("Run interrupted, remaining batches not started")
	}

	records = dedupe(records)
	if err := jsonl.Append(outputPath, records); err != nil {
		summary.Duration = time.Since(start)
		return summary, fmt.Errorf("write output %s: %w", outputPath, err)
	}
	summary.Written = len(records)
	summary.Duration = time.Since(start)
	recordsWrittenTotal.Add(float64(len(records)))
	runDuration.Observe(summary.Duration.Seconds())

	logger.Info().
		Int("written", summary.Written).
		Int("captured", summary.Captured()).
		Int("requested", summary.Requested).
		Int("failed_batches", summary.FailedBatches).
		Dur("duration", summary.Duration).
		Msg("Run complete")

	return summary, nil
}

// worker processes batches from the queue
func (o *Orchestrator) worker(ctx context.Context, processor BatchProcessor, batches [][]string, batchQueue <-chan int, results chan<- batchResult, wg *sync.WaitGroup, workerID int, logger zerolog.Logger) {
	defer wg.Done()
	batchesProcessed := 0

	for index := range batchQueue {
		records, err := runBatch(ctx, processor, batches[index])
		results <- batchResult{index: index, records: records, err: err}
		batchesProcessed++
	}

	logger.Debug().
		Int("worker_id", workerID).
		Int("batches_processed", batchesProcessed).
		Msg("Worker completed")
}

func runBatch(ctx context.Context, processor BatchProcessor, ids []string) (records []jsonl.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	records, err = processor.ProcessBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func chunk(ids []string, size int) [][]string {
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}
	return batches
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// dedupe keeps the first record per id.
func dedupe(records []jsonl.Record) []jsonl.Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}
