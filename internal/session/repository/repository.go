package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldops-auth/backend/internal/session/domain"
)

var (
	// ErrConflict is returned by Create and Rotate when the token hash is already stored.
	ErrConflict = errors.New("session token hash already exists")
	// ErrAlreadyRotated is returned by Rotate when the conditional revoke of the
	// predecessor affected no row: someone else rotated or revoked it first.
	ErrAlreadyRotated = errors.New("session already rotated or revoked")
	// ErrUnavailable wraps every I/O failure of the backing store. Callers may retry.
	ErrUnavailable = errors.New("session store unavailable")
)

// Repository is the session store. Lookups return (nil, nil) for missing rows and
// an error only for store failures, which always wrap ErrUnavailable.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)
	// FindByFamily returns every member of the family ordered by IssuedAt.
	FindByFamily(ctx context.Context, familyID string) ([]*domain.Session, error)
	// Revoke is idempotent; revoking a missing or revoked session is not an error.
	Revoke(ctx context.Context, id string, reason domain.RevocationReason, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, at time.Time) (int64, error)
	RevokeAllByUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int64, error)
	// FindActiveByUser returns non-revoked sessions with ExpiresAt > now, oldest first.
	FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
	// CountActive counts active sessions for userID, or across all users when userID is empty.
	CountActive(ctx context.Context, userID string, now time.Time) (int64, error)
	// PruneExpired deletes sessions with ExpiresAt < before and returns how many were removed.
	PruneExpired(ctx context.Context, before time.Time) (int64, error)
	// Rotate revokes rot.Revoked only if it is still not revoked, and inserts rot.Next,
	// as one atomic step. ErrAlreadyRotated when the conditional revoke affected no row.
	// Expiry is checked by the caller; Rotate never fails because a row has expired.
	Rotate(ctx context.Context, rot domain.Rotation) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
