package repository

import (
	"context"

	"fieldops-auth/backend/internal/audit/domain"
)

// Repository defines persistence for audit events.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
	// ListByUser returns the user's most recent events, newest first.
	ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Event, error)
}
