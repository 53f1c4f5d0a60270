package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fieldops-auth/backend/internal/server/interceptors"
	sessiondomain "fieldops-auth/backend/internal/session/domain"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

// AuthServiceName is the fully qualified gRPC service name.
const AuthServiceName = "fieldops.auth.v1.AuthService"

// Full method names, used for interceptor allow-lists.
const (
	FullMethodLogin     = "/" + AuthServiceName + "/Login"
	FullMethodRefresh   = "/" + AuthServiceName + "/Refresh"
	FullMethodLogout    = "/" + AuthServiceName + "/Logout"
	FullMethodLogoutAll = "/" + AuthServiceName + "/LogoutAll"
)

// PublicMethods do not require a Bearer access token.
var PublicMethods = map[string]bool{
	FullMethodLogin:   true,
	FullMethodRefresh: true,
	FullMethodLogout:  true,
}

type LoginRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutResponse struct{}

type LogoutAllRequest struct{}

type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// Authenticator is implemented by identity/service.AuthService.
type Authenticator interface {
	Login(ctx context.Context, principal, secret string, client sessiondomain.Client) (*sessionservice.Tokens, error)
	Refresh(ctx context.Context, raw string, client sessiondomain.Client) (*sessionservice.Tokens, error)
	Logout(ctx context.Context, raw string, client sessiondomain.Client) error
	LogoutAll(ctx context.Context, userID string, client sessiondomain.Client) (int64, error)
}

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	LogoutAll(context.Context, *LogoutAllRequest) (*LogoutAllResponse, error)
}

// AuthServer implements AuthServiceServer over an Authenticator.
type AuthServer struct {
	auth Authenticator
}

var _ AuthServiceServer = (*AuthServer)(nil)

// NewAuthServer returns a new Auth gRPC server. With a nil auth every RPC returns Unimplemented.
func NewAuthServer(auth Authenticator) *AuthServer {
	return &AuthServer{auth: auth}
}

// Login verifies credentials and opens a session.
func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	tokens, err := s.auth.Login(ctx, req.Principal, req.Secret, interceptors.ClientFrom(ctx))
	if err != nil {
		return nil, Status(err)
	}
	return NewTokenResponse(tokens), nil
}

// Refresh rotates the presented refresh token.
func (s *AuthServer) Refresh(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
	}
	tokens, err := s.auth.Refresh(ctx, req.RefreshToken, interceptors.ClientFrom(ctx))
	if err != nil {
		return nil, Status(err)
	}
	return NewTokenResponse(tokens), nil
}

// Logout revokes the session of the presented refresh token.
func (s *AuthServer) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	if err := s.auth.Logout(ctx, req.RefreshToken, interceptors.ClientFrom(ctx)); err != nil {
		return nil, Status(err)
	}
	return &LogoutResponse{}, nil
}

// LogoutAll revokes every session of the caller identified by the access token.
func (s *AuthServer) LogoutAll(ctx context.Context, _ *LogoutAllRequest) (*LogoutAllResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method LogoutAll not implemented")
	}
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, msgUnauthenticated)
	}
	n, err := s.auth.LogoutAll(ctx, id.UserID, interceptors.ClientFrom(ctx))
	if err != nil {
		return nil, Status(err)
	}
	return &LogoutAllResponse{Revoked: n}, nil
}

// RegisterAuthServiceServer registers srv with s.
func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthServiceDesc, srv)
}

// AuthServiceDesc describes AuthService. Messages travel with the json codec.
var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unary(FullMethodLogin, AuthServiceServer.Login)},
		{MethodName: "Refresh", Handler: unary(FullMethodRefresh, AuthServiceServer.Refresh)},
		{MethodName: "Logout", Handler: unary(FullMethodLogout, AuthServiceServer.Logout)},
		{MethodName: "LogoutAll", Handler: unary(FullMethodLogoutAll, AuthServiceServer.LogoutAll)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldops/auth/v1",
}

func unary[Req, Resp any](fullMethod string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AuthServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AuthClient calls AuthService over a client connection.
type AuthClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthClient returns an AuthClient using cc.
func NewAuthClient(cc grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{cc: cc}
}

func (c *AuthClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	if err := c.invoke(ctx, FullMethodLogin, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AuthClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	if err := c.invoke(ctx, FullMethodRefresh, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AuthClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	out := new(LogoutResponse)
	if err := c.invoke(ctx, FullMethodLogout, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AuthClient) LogoutAll(ctx context.Context, in *LogoutAllRequest, opts ...grpc.CallOption) (*LogoutAllResponse, error) {
	out := new(LogoutAllResponse)
	if err := c.invoke(ctx, FullMethodLogoutAll, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AuthClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}
