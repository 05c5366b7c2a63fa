// Package logging provides structured logging configuration using zerolog.
//
// Loggers are built explicitly and handed to each component; nothing here
// mutates zerolog's package-level logger or global level.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `yaml:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup builds a root logger from cfg. The caller owns its lifetime and
// passes it (or children from NewLogger) to every component.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	return zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger derives a child logger tagged with the given component name.
func NewLogger(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// Nop returns a disabled logger, convenient for tests and optional wiring.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-unit start/finish (page number, artifact key)
//   - Cache hit/miss for page bodies
//   - Rate limiter waits
//
// Info: Normal operation events
//   - Run start/finish with status summary
//   - Pool progress lines
//   - Watermark substitution and advance
//   - EmptyRun (no records available)
//
// Warn: Conditions that don't stop the run
//   - Per-unit failures (recorded in the failure ledger)
//   - Retry attempts
//   - Exporter failures
//
// Error: Conditions that fail the run
//   - Count discovery failure after fallback
//   - Commit failure
//   - Failure report could not be written
//
// Context Fields:
//   - component: package-level component name
//   - pool: worker pool name
//   - unit: unit identifier (page ID or artifact key)
//   - completed / total / progress_pct: pool progress
//   - watermark / next_watermark: ingest checkpoint
//   - table: destination table
//   - state: controller or artifact state
//   - duration: elapsed time
