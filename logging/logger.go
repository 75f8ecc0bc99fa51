// Package logging provides structured logging for the sync engine using
// Go's log/slog package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cardroom/go-game-sync/errors"
)

// Logger wraps slog.Logger with engine-specific convenience methods.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // add source code information
	Environment string `json:"environment" yaml:"environment"` // dev, prod, test
}

// DefaultConfig is used when Init is never called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: "dev",
}

var defaultLogger *Logger

// Component identifies the emitting subsystem in log records.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer renders a SyncError as a structured group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a logger with the provided configuration.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
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
	if config.Format == "text" || config.Environment == "dev" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the global logger, initializing it lazily.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger scoped to a subsystem.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithSession creates a child logger scoped to a session.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.With(slog.String("session_id", sessionID))}
}

// LogError logs an error with structured attributes. SyncErrors are rendered
// as groups so the taxonomy kind stays queryable.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+1)
	if syncErr, ok := err.(*errors.SyncError); ok {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}
	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}
	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with its duration.
func (l *Logger) LogOperation(ctx context.Context, name string, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithComponent(component)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, name+" failed", slog.Duration("duration", duration))
		return err
	}
	opLogger.DebugContext(ctx, name+" completed", slog.Duration("duration", duration))
	return nil
}

// WithComponent returns a child of the default logger.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
