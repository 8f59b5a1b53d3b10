// Package logging provides structured logging for the application
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	saleIDKey    contextKey = "sale_id"
	workerKey    contextKey = "worker"
	loggerKey    contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSaleID tags the context with the sale being handled
func WithSaleID(ctx context.Context, saleID string) context.Context {
	return context.WithValue(ctx, saleIDKey, saleID)
}

// SaleID extracts the sale ID from context
func SaleID(ctx context.Context) string {
	if id, ok := ctx.Value(saleIDKey).(string); ok {
		return id
	}
	return ""
}

// WithWorker tags the context with the settlement worker running it
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// Worker extracts the worker name from context
func Worker(ctx context.Context) string {
	if w, ok := ctx.Value(workerKey).(string); ok {
		return w
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request, worker and sale
// context attached
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if w := Worker(ctx); w != "" {
		logger = logger.With("worker", w)
	}
	if id := SaleID(ctx); id != "" {
		logger = logger.With("saleId", id)
	}
	return logger
}
