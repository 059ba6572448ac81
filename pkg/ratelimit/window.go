// Package ratelimit implements rolling-window request gating for the Lichess API.
// A limiter hands out permits so that no window of the configured width ever
// contains more than the configured number of granted permits, counted across
// every goroutine sharing the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for permit accounting.
var (
	permitsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_rate_limit_permits_total",
		Help: "Total number of permits granted by limiter backend",
	}, []string{"backend"})

	permitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_rate_limit_waits_total",
		Help: "Total number of times an acquire had to wait for the window to free a slot",
	}, []string{"backend"})

	permitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lichess_rate_limit_wait_seconds",
		Help:    "Advisory wait computed from the oldest permit in the window",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"backend"})
)

// Limiter gates outbound requests. Acquire blocks until a permit is reserved
// for the caller and only fails when ctx is done.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Window is an in-process rolling-window limiter. Granted permit timestamps
// are kept in a fixed-capacity ring sized to the limit, so memory stays
// bounded under bursty load.
type Window struct {
	limit int
	width time.Duration

	mu     sync.Mutex
	stamps []time.Time // ring buffer, oldest at head
	head   int
	count  int

	now     func() time.Time
	onGrant func(time.Time) // called under mu, tests only
}

// NewWindow creates a limiter allowing at most limit permits per width.
func NewWindow(limit int, width time.Duration) (*Window, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0 (got %d)", limit)
	}
	if width <= 0 {
		return nil, fmt.Errorf("window width must be > 0 (got %v)", width)
	}
	return &Window{
		limit:  limit,
		width:  width,
		stamps: make([]time.Time, limit),
		now:    time.Now,
	}, nil
}

// Limit returns the number of permits allowed per window.
func (w *Window) Limit() int { return w.limit }

// Width returns the window width.
func (w *Window) Width() time.Duration { return w.width }

// Acquire blocks until a permit is available and reserves it.
// The computed wait is only a hint: the window is re-checked after every
// sleep because other goroutines may have taken the freed slot.
func (w *Window) Acquire(ctx context.Context) error {
	waited := false
	for {
		wait, ok := w.tryReserve()
		if ok {
			permitsGrantedTotal.WithLabelValues("local").Inc()
			return nil
		}

		if !waited {
			permitWaitsTotal.WithLabelValues("local").Inc()
			waited = true
		}
		permitWaitSeconds.WithLabelValues("local").Observe(wait.Seconds())

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// tryReserve prunes expired permits and reserves one if the window has room.
// Otherwise it returns how long until the oldest permit ages out.
func (w *Window) tryReserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for w.count > 0 && now.Sub(w.stamps[w.head]) >= w.width {
		w.head = (w.head + 1) % w.limit
		w.count--
	}

	if w.count < w.limit {
		w.stamps[(w.head+w.count)%w.limit] = now
		w.count++
		if w.onGrant != nil {
			w.onGrant(now)
		}
		return 0, true
	}

	return w.width - now.Sub(w.stamps[w.head]), false
}

// InFlight returns the number of permits currently counted in the window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	n := 0
	for i := 0; i < w.count; i++ {
		if now.Sub(w.stamps[(w.head+i)%w.limit]) < w.width {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
