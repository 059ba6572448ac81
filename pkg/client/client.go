// Package client provides the Lichess game export client with shared rate
// limiting, retry and error classification.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/lichess-movelists/pkg/pgn"
	"github.com/Sternrassler/lichess-movelists/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Lichess client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_requests_total",
		Help: "Total Lichess requests by kind and status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lichess_request_duration_seconds",
		Help:    "Lichess request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_errors_total",
		Help: "Total Lichess request errors by class",
	}, []string{"class"})

	bulkRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lichess_bulk_records_total",
		Help: "Records parsed from bulk export responses by outcome",
	}, []string{"outcome"}) // "returned", "unattributed", "unrequested"
)

// Request kinds used as metric labels.
const (
	kindSingle = "single"
	kindBulk   = "bulk"
)

const (
	singleExportPath = "/game/export/"
	bulkExportPath   = "/api/games/export/_ids"
	pgnContentType   = "application/x-chess-pgn"
)

// Client fetches raw PGN records from the Lichess export API.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://lichess.org".
	BaseURL string

	// Token is an optional personal API token sent as a bearer credential.
	Token string

	// UserAgent header sent with every request.
	UserAgent string

	// Per-request timeouts. Bulk responses are much larger.
	SingleTimeout time.Duration
	BulkTimeout   time.Duration

	Retry RetryConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:       "https://lichess.org",
		UserAgent:     userAgent,
		SingleTimeout: 10 * time.Second,
		BulkTimeout:   60 * time.Second,
		Retry:         DefaultRetryConfig(),
	}
}

// New creates a new client. Every request attempt acquires a permit from limiter.
func New(cfg Config, limiter ratelimit.Limiter) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.SingleTimeout <= 0 || cfg.BulkTimeout <= 0 {
		return nil, fmt.Errorf("request timeouts must be > 0")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	return &Client{
		httpClient: &http.Client{},
		limiter:    limiter,
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "lichess-client").Logger(),
	}, nil
}

// FetchGame retrieves one game's PGN. It returns ErrNotFound (wrapped) when the
// game does not exist, and an error wrapping ErrRetryExhausted or an *APIError
// for any other failure.
func (c *Client) FetchGame(ctx context.Context, id string) (string, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kindSingle).Observe(time.Since(startTime).Seconds())
	}()

	endpoint := c.endpoint(singleExportPath + id)
	logger := c.logger.With().Str("game_id", id).Logger()

	var record string
	err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.config.SingleTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req)

		body, err := c.do(ctx, req, kindSingle, logger)
		if err != nil {
			return err
		}
		record = body
		return nil
	})
	if err != nil {
		return "", err
	}

	return record, nil
}

// FetchGames retrieves many games in one request and returns their PGN keyed
// by id. Ids missing from the result were not returned by the service. The
// whole batch consumes one permit per attempt. Persistent failure yields an
// empty map, never an error.
func (c *Client) FetchGames(ctx context.Context, ids []string) map[string]string {
	records := make(map[string]string)
	if len(ids) == 0 {
		return records
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kindBulk).Observe(time.Since(startTime).Seconds())
	}()

	endpoint := c.endpoint(bulkExportPath)
	logger := c.logger.With().Int("batch_size", len(ids)).Logger()
	body := strings.Join(ids, ",")

	var split pgn.SplitResult
	err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.config.BulkTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "text/plain")

		resp, err := c.send(ctx, req, kindBulk, logger)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		// A truncated stream may end in a half-written game that still parses
		// into a shorter move list, so the whole response is discarded.
		res, err := pgn.Split(resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read bulk response",
				Err:        err,
			}
		}
		split = res
		return nil
	})
	if err != nil {
		logger.Warn().
			Err(err).
			Str("error_class", string(Classify(err))).
			Msg("Bulk export failed, batch falls back to single fetches")
		return records
	}

	requested := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}

	unrequested := 0
	for id, rec := range split.Records {
		if _, ok := requested[id]; !ok {
			unrequested++
			continue
		}
		records[id] = rec
	}

	bulkRecordsTotal.WithLabelValues("returned").Add(float64(len(records)))
	bulkRecordsTotal.WithLabelValues("unattributed").Add(float64(split.Unattributed))
	bulkRecordsTotal.WithLabelValues("unrequested").Add(float64(unrequested))

	if split.Unattributed > 0 || unrequested > 0 {
		logger.Warn().
			Int("unattributed", split.Unattributed).
			Int("unrequested", unrequested).
			Msg("Bulk export returned records that cannot be matched to requested ids")
	}

	logger.Debug().
		Int("returned", len(records)).
		Int("missing", len(ids)-len(records)).
		Msg("Bulk export complete")

	return records
}

// do sends req and reads the full body of a successful response.
func (c *Client) do(ctx context.Context, req *http.Request, kind string, logger zerolog.Logger) (string, error) {
	resp, err := c.send(ctx, req, kind, logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return "", &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}
	return string(data), nil
}

// send executes req and classifies the outcome. On success the caller owns
// the response body.
func (c *Client) send(ctx context.Context, req *http.Request, kind string, logger zerolog.Logger) (*http.Response, error) {
	logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Executing Lichess request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		logger.Warn().Err(err).Msg("Lichess request failed")
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	requestsTotal.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	errClass := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(errClass)).Inc()

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    resp.Status,
	}
	if errClass == ErrorClassNotFound {
		apiErr.Err = ErrNotFound
	}

	event := logger.Warn()
	if errClass == ErrorClassNotFound {
		event = logger.Debug()
	}
	event.
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Lichess request error")

	return nil, apiErr
}

// classifyStatus categorizes a non-200 status code.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusNotFound:
		return ErrorClassNotFound
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{
		"moves":   []string{"true"},
		"clocks":  []string{"false"},
		"evals":   []string{"false"},
		"opening": []string{"false"},
	}.Encode()
	return u.String()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", pgnContentType)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
