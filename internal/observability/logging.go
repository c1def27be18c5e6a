// Package observability provides the gateway's structured logging,
// Prometheus metrics, and OpenTelemetry tracing.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the gateway logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "text" or "json".
	Format string

	// Output is the log writer. Defaults to os.Stderr: stdout carries the
	// protocol stream and must never receive log lines.
	Output io.Writer

	// AddSource includes file and line in log records.
	AddSource bool
}

// NewLogger builds a *slog.Logger from the configuration.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// OpenLogOutput resolves a configured output name: "stderr", "stdout", or
// a file path opened for appending. Callers should reject "stdout" when
// it would collide with a protocol stream.
func OpenLogOutput(name string) (io.Writer, func() error, error) {
	switch strings.ToLower(name) {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	default:
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f.Close, nil
	}
}

// LogLevelFromString converts a level name to a slog.Level, defaulting to
// info for anything unrecognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
