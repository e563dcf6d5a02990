package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	executionIDKey contextKey = "execution_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithExecutionID adds the execution being processed to the context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// ExecutionIDFromContext retrieves the execution ID from context.
// Returns empty string if not present.
func ExecutionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(executionIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext decorates logger with the request and execution IDs carried by ctx.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	if id := RequestIDFromContext(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	if id := ExecutionIDFromContext(ctx); id != "" {
		lc = lc.Str("execution_id", id)
	}
	return lc.Logger()
}
