// Package logging provides structured logging for the sync engine using
// Go's log/slog package.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	syncErrors "github.com/halcyonlabs/offsync/errors"
)

// Logger is a thin wrapper around slog.Logger with sync-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level     string `json:"level" yaml:"level"`           // debug, info, warn, error
	Format    string `json:"format" yaml:"format"`         // text, json
	AddSource bool   `json:"add_source" yaml:"add_source"` // include source location
}

// DefaultConfig is used when no configuration is provided.
var DefaultConfig = Config{
	Level:  "info",
	Format: "text",
}

// Component identifies the engine component emitting a log record.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// NewLogger creates a new logger writing to w with the provided configuration.
func NewLogger(w io.Writer, config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns a logger with the default configuration writing to stdout.
func Default() *Logger {
	return NewLogger(os.Stdout, DefaultConfig)
}

// Discard returns a logger that drops all records. Components accept a
// *Logger rather than reading ambient global state; Discard is the value
// to inject when no logging is wanted.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithComponent creates a child logger with component context.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs an error with structured sync-error attributes when available.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+1)

	var syncErr *syncErrors.SyncError
	if errors.As(err, &syncErr) {
		allAttrs = append(allAttrs, slog.Group("sync_error",
			slog.String("operation", string(syncErr.Op)),
			slog.String("component", syncErr.Component),
			slog.String("kind", string(syncErr.Kind)),
			slog.Bool("retryable", syncErr.Retryable),
			slog.String("error", syncErr.Err.Error()),
		))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking.
func (l *Logger) LogOperation(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	l.DebugContext(ctx, "operation started", slog.String("operation", op))

	err := fn()
	duration := time.Since(start)

	if err != nil {
		l.LogError(ctx, err, "operation failed",
			slog.String("operation", op),
			slog.Duration("duration", duration),
		)
		return err
	}

	l.DebugContext(ctx, "operation completed",
		slog.String("operation", op),
		slog.Duration("duration", duration),
	)

	return nil
}
