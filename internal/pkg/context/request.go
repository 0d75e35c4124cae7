// Package context carries request-scoped identifiers across layers.
package context

import (
	"context"
)

type contextKey string

const (
	// RequestIDKey is the context key for storing the correlation request id
	RequestIDKey contextKey = "request_id"
)

// WithRequestID adds a correlation request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request id from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
