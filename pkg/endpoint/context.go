package endpoint

import (
	"context"

	"github.com/google/uuid"
)

// unexported types for context keys in this package.
type sessionKey struct{}
type callKey struct{}

// WithSessionID returns a new context with the connection's session id attached.
func WithSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionIDFromContext retrieves the session id from the context, if present.
func SessionIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(sessionKey{}).(uuid.UUID)
	return id, ok
}

// WithCallID returns a new context with the caller's correlation id attached.
func WithCallID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, callKey{}, id)
}

// CallIDFromContext retrieves the call id from the context, if present.
func CallIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callKey{}).(int64)
	return id, ok
}
