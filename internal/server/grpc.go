// Package server assembles the gRPC server: interceptors, instrumentation and service
// registration.
package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	identityhandler "fieldops-auth/backend/internal/identity/handler"
	"fieldops-auth/backend/internal/security"
	"fieldops-auth/backend/internal/server/interceptors"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
)

// Deps holds service dependencies for gRPC handlers.
type Deps struct {
	// Auth serves AuthService. If nil, auth RPCs return Unimplemented.
	Auth identityhandler.Authenticator
	// Access validates Bearer tokens on protected RPCs.
	Access security.AccessTokenIssuer
	// Health is the standard health service. If nil, it is not registered.
	Health *health.Server
	Log    zerolog.Logger
}

// PublicMethods returns the full method names reachable without an access token.
func PublicMethods() map[string]bool {
	public := map[string]bool{
		healthCheckMethod: true,
		healthWatchMethod: true,
	}
	for m := range identityhandler.PublicMethods {
		public[m] = true
	}
	return public
}

// NewGRPCServer returns a server with the interceptor chain installed and all services
// registered. Extra options are appended, e.g. credentials.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	skipLog := map[string]bool{healthCheckMethod: true}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ClientUnary(),
			interceptors.LoggingUnary(deps.Log, skipLog),
			interceptors.AuthUnary(deps.Access, PublicMethods()),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - fieldops.auth.v1.AuthService → internal/identity/handler
//   - grpc.health.v1.Health        → google.golang.org/grpc/health, driven by internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	identityhandler.RegisterAuthServiceServer(s, identityhandler.NewAuthServer(deps.Auth))
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
