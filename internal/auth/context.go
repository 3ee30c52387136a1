// ABOUTME: Request context helpers for the verified caller identity
// ABOUTME: Set by the HTTP middleware and gRPC interceptors

package auth

import (
	"context"
)

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity on ctx, or nil when the request was not
// authenticated (auth disabled).
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
