// Package logging configures zerolog for the fetcher.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level names accepted in LOG_LEVEL.
const (
	LevelTrace    = "trace"
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelError    = "error"
	LevelDisabled = "disabled"
)

var levels = map[string]zerolog.Level{
	LevelTrace:    zerolog.TraceLevel,
	LevelDebug:    zerolog.DebugLevel,
	LevelInfo:     zerolog.InfoLevel,
	LevelWarn:     zerolog.WarnLevel,
	"warning":     zerolog.WarnLevel,
	LevelError:    zerolog.ErrorLevel,
	LevelDisabled: zerolog.Disabled,
	"off":         zerolog.Disabled,
}

// Config holds logger configuration.
type Config struct {
	// Level is a level name; empty means info.
	Level string

	// Pretty switches from JSON lines to the console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a level name (case-insensitive) to a zerolog level.
// An empty name is info; an unknown name is an error.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, ok := levels[name]
	if !ok {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q (want trace, debug, info, warn, error or disabled)", name)
	}
	return level, nil
}

// Setup installs the global logger and level. Runs and components derive
// their loggers from it through NewLogger.
func Setup(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// NewLogger derives a logger tagged with component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: per-request flow (single/bulk export, status, duration), games
// without decodable moves, worker lifecycle.
//
// Info: run banner, bucket discovery, resume scan results, batch progress,
// games not found upstream, run summaries (written, captured/requested).
//
// Warn: retries, games dropped after retries, failed batches, Redis
// unavailable (local limiter fallback), interrupted runs.
//
// Error: unreadable id sources, output write failures, configuration errors.
//
// Context Fields:
//   - component: emitting package (client, bucket, ratelimit, cli)
//   - run_id, bucket, batch: where in the pipeline
//   - game_id, status, attempt, error_class: per-request detail
//   - duration: request or run duration
