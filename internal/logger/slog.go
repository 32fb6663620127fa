package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	slogger  *slog.Logger
	slogFile *os.File
)

// InitSlog initializes the structured logger.
// If jsonOutput is true, records are formatted as JSON.
func InitSlog(logDir string, jsonOutput bool) error {
	var writer io.Writer = os.Stdout
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(logDir, logFileName()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		slogFile = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	slogger = slog.New(newHandler(writer, jsonOutput))
	slog.SetDefault(slogger)
	return nil
}

func newHandler(w io.Writer, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if slogFile != nil {
		return slogFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID    contextKey = "request_id"
	ContextKeyConnectionID contextKey = "connection_id"
)

// WithConnectionID returns a context carrying the connection id for log records.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, id)
}

// ConnectionID returns the connection id carried by ctx, if any.
func ConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyConnectionID).(string)
	return id
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if connID := ctx.Value(ContextKeyConnectionID); connID != nil {
		logger = logger.With("connection_id", connID)
	}
	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}
