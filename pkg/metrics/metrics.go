// Package metrics exposes the Prometheus registry used by the fetcher.
// All metrics are defined in their respective packages (client, ratelimit,
// batch, bucket) to maintain modularity and avoid circular dependencies.
//
// This package provides the HTTP surface and the reference for all metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the fetcher.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewMux returns a mux with /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

// Serve runs the metrics server on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - lichess_rate_limit_permits_total{backend} (Counter): Permits granted (backend: local, redis)
//   - lichess_rate_limit_waits_total{backend} (Counter): Acquire calls that had to wait for the window
//   - lichess_rate_limit_wait_seconds{backend} (Histogram): Time spent waiting for a permit
//
// Request Metrics (pkg/client):
//   - lichess_requests_total{kind, status} (Counter): Requests by kind (single, bulk) and HTTP status
//   - lichess_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - lichess_errors_total{class} (Counter): Errors by class (not_found, rate_limit, server, network, client)
//   - lichess_bulk_records_total{outcome} (Counter): Bulk response records (returned, unrequested, unattributed)
//
// Retry Metrics (pkg/client):
//   - lichess_retries_total{error_class} (Counter): Retry attempts by error class
//   - lichess_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - lichess_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Batch Metrics (pkg/batch):
//   - lichess_batch_records_total{source} (Counter): Records produced by source (bulk, single)
//   - lichess_batch_dropped_ids_total{reason} (Counter): Ids without a record (malformed, not_found, failed)
//   - lichess_batch_fallback_fetches_total (Counter): Single fetches for ids missing from bulk responses
//
// Bucket Metrics (pkg/bucket):
//   - lichess_bucket_batches_total{outcome} (Counter): Batches by outcome (ok, failed, skipped)
//   - lichess_bucket_records_written_total (Counter): Records appended to output files
//   - lichess_bucket_run_duration_seconds (Histogram): Duration of bucket runs
//
// Example Prometheus Queries:
//
//   # Bulk coverage (share of records not needing a fallback fetch)
//   sum(rate(lichess_batch_records_total{source="bulk"}[5m])) /
//   sum(rate(lichess_batch_records_total[5m]))
//
//   # Rate limited responses
//   rate(lichess_errors_total{class="rate_limit"}[5m])
//
//   # P95 bulk request latency
//   histogram_quantile(0.95, rate(lichess_request_duration_seconds_bucket{kind="bulk"}[5m]))
//
//   # Time spent waiting on the rate budget
//   rate(lichess_rate_limit_wait_seconds_sum[5m])
