package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"fieldops-auth/backend/internal/audit/domain"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns an audit repository that uses pool for persistence.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create persists the event. The event must have ID set; a redelivered ID is ignored.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (id, kind, user_id, family_id, session_id, ip, user_agent, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Kind), e.UserID, e.FamilyID, e.SessionID, e.IP, e.UserAgent, e.Detail, e.OccurredAt)
	return err
}

// Write implements audit.Writer so the repository can sit behind the dispatcher.
func (r *PostgresRepository) Write(ctx context.Context, e domain.Event) error {
	return r.Create(ctx, &e)
}

// ListByUser returns up to limit events for userID, newest first. limit <= 0 means 50.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, kind, user_id, family_id, session_id, ip, user_agent, detail, occurred_at
		FROM audit_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.UserID, &e.FamilyID, &e.SessionID, &e.IP, &e.UserAgent, &e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = domain.Kind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}
