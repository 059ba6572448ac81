// Package bucket runs one bucket of game ids through the fetch pipeline.
//
// A run reads the existing output file to find ids already captured, splits
// the remaining ids into sorted batches and hands them to a fixed-size worker
// pool. All workers of a run share one rate limiter. Records are appended to
// the output file once, after every dispatched batch has finished, so an
// interrupted run never leaves partial batches behind and the next run simply
// resumes.
//
// Example usage:
//
//	orch := bucket.NewOrchestrator(bucket.DefaultConfig(), newLimiter, newProcessor, logger)
//	summary, err := orch.Run(ctx, ids, "data/lichess-buckets/1000-1100/games-1000-1100.jsonl")
//
// The orchestrator:
//   - Skips ids already present in the output file
//   - Stops dispatching batches when ctx is cancelled
//   - Lets in-flight batches finish on a detached context
//   - Reports failed or panicking batches as *BatchError without cancelling siblings
package bucket
