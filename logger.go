package tiersearch

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with tiersearch-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithRequestID tags the logger with a search request id.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("request_id", id),
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, id string, hits int, partial bool, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"request_id", id,
			"error", err,
		)
		return
	}
	if partial {
		l.WarnContext(ctx, "search returned partial results",
			"request_id", id,
			"hits", hits,
			"took", took,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"request_id", id,
		"hits", hits,
		"took", took,
	)
}

// LogFlush logs a delta flush.
func (l *Logger) LogFlush(ctx context.Context, docs, remaining int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"docs", docs,
			"remaining", remaining,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "flush completed",
		"docs", docs,
		"remaining", remaining,
	)
}

// LogDemotion logs the outcome of one demotion job.
func (l *Logger) LogDemotion(ctx context.Context, job string, files int, bytes int64, done bool, err error) {
	if err != nil {
		l.WarnContext(ctx, "demotion failed",
			"job", job,
			"files", files,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "demotion completed",
		"job", job,
		"files", files,
		"bytes", bytes,
		"pass_done", done,
	)
}
