// Package config loads fetcher configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/lichess-movelists/pkg/logging"
)

// Default rate budgets. Authenticated clients get a higher allowance.
const (
	DefaultRateWithToken    = 15
	DefaultRateWithoutToken = 1
)

// Config holds everything a fetch run needs. It is passed explicitly into the
// client, limiter and orchestrator.
type Config struct {
	Token     string
	BaseURL   string
	UserAgent string

	// Rate is the number of permits per Window.
	Rate        int
	Window      time.Duration
	BatchSize   int
	Workers     int
	MaxAttempts int

	EPDRoot      string
	OutputPrefix string

	// RedisURL, when set, shares the rate budget across processes.
	RedisURL string
	// MetricsAddr, when set, serves /metrics.
	MetricsAddr string

	LogLevel  string
	LogPretty bool
}

// HasToken reports whether a bearer credential is configured.
func (c Config) HasToken() bool {
	return c.Token != ""
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	env := func(key, defaultValue string) string {
		if value, ok := lookup(key); ok && value != "" {
			return value
		}
		return defaultValue
	}

	cfg := Config{
		Token:        env("LICHESS_TOKEN", ""),
		BaseURL:      env("LICHESS_BASE_URL", "https://lichess.org"),
		UserAgent:    env("USER_AGENT", "lichess-movelists/0.1.0"),
		EPDRoot:      env("EPD_ROOT", "data/lichess-buckets"),
		OutputPrefix: env("OUTPUT_PREFIX", "games"),
		RedisURL:     env("REDIS_URL", ""),
		MetricsAddr:  env("METRICS_ADDR", ""),
		LogLevel:     env("LOG_LEVEL", "info"),
	}

	defaultRate := DefaultRateWithoutToken
	if cfg.HasToken() {
		defaultRate = DefaultRateWithToken
	}

	var err error
	if cfg.Rate, err = intEnv(env, "FETCH_RATE", defaultRate); err != nil {
		return Config{}, err
	}
	if cfg.Window, err = durationEnv(env, "FETCH_WINDOW", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = intEnv(env, "FETCH_BATCH_SIZE", 300); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = intEnv(env, "FETCH_WORKERS", 8); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = intEnv(env, "FETCH_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = strconv.ParseBool(env("LOG_PRETTY", "false")); err != nil {
		return Config{}, fmt.Errorf("LOG_PRETTY: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Rate <= 0 {
		return fmt.Errorf("FETCH_RATE must be > 0 (got %d)", c.Rate)
	}
	if c.Window <= 0 {
		return fmt.Errorf("FETCH_WINDOW must be > 0 (got %s)", c.Window)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("FETCH_BATCH_SIZE must be > 0 (got %d)", c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be > 0 (got %d)", c.Workers)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be > 0 (got %d)", c.MaxAttempts)
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("LICHESS_BASE_URL is not a valid url: %q", c.BaseURL)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("USER_AGENT must not be empty")
	}
	if c.OutputPrefix == "" {
		return fmt.Errorf("OUTPUT_PREFIX must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func intEnv(env func(string, string) string, key string, defaultValue int) (int, error) {
	value, err := strconv.Atoi(env(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func durationEnv(env func(string, string) string, key string, defaultValue time.Duration) (time.Duration, error) {
	value, err := time.ParseDuration(env(key, defaultValue.String()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
