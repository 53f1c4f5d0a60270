// Package handler maps identity and session outcomes onto the boundary: a small set of
// error kinds, their gRPC status codes and the token response shape.
package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fieldops-auth/backend/internal/identity/service"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

// Kind is the error category a client sees.
type Kind string

const (
	KindNone              Kind = ""
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindForbiddenInactive Kind = "FORBIDDEN_INACTIVE"
	KindInfraUnavailable  Kind = "INFRA_UNAVAILABLE"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindAlreadyExists     Kind = "ALREADY_EXISTS"
)

// Messages shown to clients. Replay, expiry and unknown tokens share one message.
const (
	msgUnauthenticated = "session invalid, please sign in again"
	msgForbidden       = "account is disabled"
	msgUnavailable     = "service temporarily unavailable, retry later"
	msgThrottled       = "too many attempts, retry later"
	msgInvalid         = "invalid request"
	msgAlreadyExists   = "principal already registered"
	msgInternal        = "internal error"
)

// KindOf classifies err. Errors that match nothing are reported as infrastructure
// failures so the client retries rather than signing out.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, sessionservice.ErrInfrastructure):
		return KindInfraUnavailable
	case errors.Is(err, sessionservice.ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, sessionservice.ErrForbidden):
		return KindForbiddenInactive
	case errors.Is(err, service.ErrThrottled):
		return KindResourceExhausted
	case errors.Is(err, service.ErrPrincipalAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, sessionservice.ErrValidation), errors.Is(err, service.ErrInvalidInput):
		return KindInvalidArgument
	default:
		return KindInfraUnavailable
	}
}

// Status converts err into a gRPC status error. A nil err yields nil.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, msgUnavailable)
	}
	switch KindOf(err) {
	case KindUnauthenticated:
		return status.Error(codes.Unauthenticated, msgUnauthenticated)
	case KindForbiddenInactive:
		return status.Error(codes.PermissionDenied, msgForbidden)
	case KindResourceExhausted:
		return status.Error(codes.ResourceExhausted, msgThrottled)
	case KindAlreadyExists:
		return status.Error(codes.AlreadyExists, msgAlreadyExists)
	case KindInvalidArgument:
		// Validation of a refresh token is reported like any other bad session.
		if errors.Is(err, sessionservice.ErrValidation) {
			return status.Error(codes.Unauthenticated, msgUnauthenticated)
		}
		return status.Error(codes.InvalidArgument, msgInvalid)
	case KindInfraUnavailable:
		return status.Error(codes.Unavailable, msgUnavailable)
	default:
		return status.Error(codes.Internal, msgInternal)
	}
}

// TokenResponse is the boundary shape of a successful login or refresh.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expiresIn"`
}

// NewTokenResponse builds a TokenResponse from tokens. A nil tokens yields nil.
func NewTokenResponse(tokens *sessionservice.Tokens) *TokenResponse {
	if tokens == nil {
		return nil
	}
	return &TokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    int64(tokens.ExpiresIn.Seconds()),
	}
}
