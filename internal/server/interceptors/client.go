package interceptors

import (
	"context"
	"net"
	"strings"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"fieldops-auth/backend/internal/session/domain"
)

// maxUserAgent bounds what is persisted with a session.
const maxUserAgent = 512

// ClientUnary returns a unary server interceptor that records the caller's IP and user agent
// in the context for session metadata and audit events.
func ClientUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = WithClient(ctx, domain.Client{IP: ClientIP(ctx), UserAgent: UserAgent(ctx)})
		return handler(ctx, req)
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if s := first(md, "x-real-ip"); s != "" {
			return s
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

// UserAgent returns the application user agent. x-client-user-agent, set by the field app,
// wins over the transport's user-agent header.
func UserAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	ua := first(md, "x-client-user-agent")
	if ua == "" {
		ua = first(md, "user-agent")
	}
	return truncateUTF8(ua, maxUserAgent)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune; invalid input bytes are
// dropped so the result is always valid UTF-8 for the text columns it lands in.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
