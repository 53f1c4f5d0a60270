package interceptors

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that logs one line per RPC with method,
// status code, duration and client IP. Server-side failures log at error level.
// skipMethods is the set of full method names not to log (e.g. the health check).
func LoggingUnary(log zerolog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		ev := log.Info()
		switch code {
		case codes.OK, codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument,
			codes.ResourceExhausted, codes.AlreadyExists, codes.Canceled:
		default:
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Str("client_ip", ClientFrom(ctx).IP).
			Msg("rpc")
		return resp, err
	}
}
