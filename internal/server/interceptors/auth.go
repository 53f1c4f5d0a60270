package interceptors

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"fieldops-auth/backend/internal/security"
)

var errNoAccess = status.Error(codes.Unauthenticated, "missing or invalid authorization")

// AuthUnary requires a valid access token on every method not in public and stores the
// verified identity in the context. Login, Refresh and Logout are public: the latter two
// carry their credential, the refresh token, in the request body.
func AuthUnary(access security.AccessTokenIssuer, public map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}
		if access == nil {
			return nil, errNoAccess
		}
		token, ok := bearerToken(ctx)
		if !ok {
			return nil, errNoAccess
		}
		id, err := access.ValidateAccess(token, time.Now())
		if err != nil {
			return nil, errNoAccess
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// bearerToken extracts the token from an "authorization: Bearer <token>" header.
// The scheme is matched case-insensitively.
func bearerToken(ctx context.Context) (string, bool) {
	vals := metadata.ValueFromIncomingContext(ctx, "authorization")
	if len(vals) == 0 {
		return "", false
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(vals[0]), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
