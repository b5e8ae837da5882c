package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// GenerateTraceID creates a new unique trace ID using UUID v4
func GenerateTraceID() string {
	return uuid.New().String()
}

// EnsureTraceID ensures the context has a trace ID, generating one if needed
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		return WithTraceID(ctx, GenerateTraceID())
	}
	return ctx
}

// DetachedContext returns a context that keeps ctx's values, including the
// trace ID, but is not cancelled with it. Background job work starts from one.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// WithComponent creates a logger with a component field
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With("component", component)
}
