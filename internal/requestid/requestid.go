// Package requestid attaches a correlation id to each gateway API request.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a request id and stores it on the context.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return context.WithValue(ctx, ctxKey{}, id), id
}

// WithRequestID stores an existing id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request id on the context, generating one if absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
