package interceptors

import (
	"context"

	"fieldops-auth/backend/internal/security"
	"fieldops-auth/backend/internal/session/domain"
)

type contextKey struct{ name string }

var (
	clientKey   = contextKey{"client"}
	identityKey = contextKey{"identity"}
)

// WithClient returns a context carrying the caller's network context.
func WithClient(ctx context.Context, c domain.Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// ClientFrom returns the client context set by ClientUnary, or the zero Client.
func ClientFrom(ctx context.Context) domain.Client {
	c, _ := ctx.Value(clientKey).(domain.Client)
	return c
}

// WithIdentity returns a context carrying a verified access token identity.
func WithIdentity(ctx context.Context, id *security.AccessIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity set by AuthUnary and true if present; otherwise nil, false.
func IdentityFrom(ctx context.Context) (*security.AccessIdentity, bool) {
	id, ok := ctx.Value(identityKey).(*security.AccessIdentity)
	return id, ok && id != nil
}
