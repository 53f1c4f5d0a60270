package repository

import (
	"context"
	"errors"

	"fieldops-auth/backend/internal/identity/domain"
)

// ErrDuplicatePrincipal is returned by Create when the principal is taken.
var ErrDuplicatePrincipal = errors.New("principal already registered")

// Repository is the credential store. Lookups return (nil, nil) when no row matches.
type Repository interface {
	FindByPrincipal(ctx context.Context, principal string) (*domain.Credential, error)
	FindByUserID(ctx context.Context, userID string) (*domain.Credential, error)
	Create(ctx context.Context, c *domain.Credential) error
	UpdateSecretHash(ctx context.Context, userID, secretHash string) error
	SetEnabled(ctx context.Context, userID string, enabled bool) error
}
