// Package batch turns a batch of game ids into output records: one bulk export
// request, then sequential single fetches for every id the bulk response did
// not cover.
package batch

import (
	"context"
	"errors"

	"github.com/Sternrassler/lichess-movelists/pkg/client"
	"github.com/Sternrassler/lichess-movelists/pkg/jsonl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_batch_records_total",
		Help: "Output records produced by batches, by fetch source",
	}, []string{"source"}) // "bulk", "single"

	idsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_batch_dropped_ids_total",
		Help: "Ids that produced no output record, by reason",
	}, []string{"reason"}) // "malformed", "not_found", "failed"

	fallbackFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lichess_batch_fallback_fetches_total",
		Help: "Single fetches issued for ids missing from bulk responses",
	})
)

// BulkFetcher retrieves many raw records in one request.
type BulkFetcher interface {
	FetchGames(ctx context.Context, ids []string) map[string]string
}

// SingleFetcher retrieves one raw record.
type SingleFetcher interface {
	FetchGame(ctx context.Context, id string) (string, error)
}

// MoveDecoder turns a raw record into per-ply move codes. Malformed input
// must yield an empty result.
type MoveDecoder interface {
	Decode(raw string) []string
}

// Reconciler processes one batch against a bulk and a single fetcher.
type Reconciler struct {
	bulk    BulkFetcher
	single  SingleFetcher
	decoder MoveDecoder
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(bulk BulkFetcher, single SingleFetcher, decoder MoveDecoder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		bulk:    bulk,
		single:  single,
		decoder: decoder,
		logger:  logger,
	}
}

// ProcessBatch fetches and decodes ids. Every input id yields at most one
// record; ids that are missing, not found, failed or undecodable yield none.
// Output order is not tied to input order. An error is returned only when ctx
// ends before the batch completes, in which case the batch is incomplete.
func (r *Reconciler) ProcessBatch(ctx context.Context, ids []string) ([]jsonl.Record, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]jsonl.Record, 0, len(ids))
	bulk := r.bulk.FetchGames(ctx, ids)

	var missing []string
	for _, id := range ids {
		raw, ok := bulk[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if rec, ok := r.decode(id, raw); ok {
			records = append(records, rec)
			recordsEmittedTotal.WithLabelValues("bulk").Inc()
		}
	}

	if len(missing) > 0 {
		r.logger.Info().
			Int("missing", len(missing)).
			Int("batch_size", len(ids)).
			Msg("Falling back to single fetch for games missing from bulk export")
	}

	// Sequential: fallback fetches draw from the same rate budget as every other worker.
	for _, id := range missing {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		fallbackFetchesTotal.Inc()
		raw, err := r.single.FetchGame(ctx, id)
		if err != nil {
			class := client.Classify(err)
			if class == client.ErrorClassCancelled && ctx.Err() != nil {
				return records, ctx.Err()
			}

			reason, level := "failed", zerolog.WarnLevel
			if errors.Is(err, client.ErrNotFound) {
				reason, level = "not_found", zerolog.InfoLevel
			}
			idsDroppedTotal.WithLabelValues(reason).Inc()
			r.logger.WithLevel(level).
				Err(err).
				Str("game_id", id).
				Str("error_class", string(class)).
				Msg("Game could not be fetched, skipping")
			continue
		}

		if rec, ok := r.decode(id, raw); ok {
			records = append(records, rec)
			recordsEmittedTotal.WithLabelValues("single").Inc()
		}
	}

	return records, nil
}

func (r *Reconciler) decode(id, raw string) (jsonl.Record, bool) {
	moves := r.decoder.Decode(raw)
	if len(moves) == 0 {
		idsDroppedTotal.WithLabelValues("malformed").Inc()
		r.logger.Debug().
			Str("game_id", id).
			Msg("Game has no decodable moves, skipping")
		return jsonl.Record{}, false
	}
	return jsonl.Record{ID: id, Moves: moves}, true
}

func unique(ids []string) []string {
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
