package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldops-auth/backend/internal/identity/domain"
)

const credentialColumns = `user_id, principal, secret_hash, enabled, role, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a credential repository that uses pool for persistence.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// FindByPrincipal returns the credential for principal, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) FindByPrincipal(ctx context.Context, principal string) (*domain.Credential, error) {
	return r.get(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE principal = $1`, principal)
}

// FindByUserID returns the credential for userID, or nil if not found.
func (r *PostgresRepository) FindByUserID(ctx context.Context, userID string) (*domain.Credential, error) {
	return r.get(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE user_id = $1`, userID)
}

func (r *PostgresRepository) get(ctx context.Context, sql string, arg string) (*domain.Credential, error) {
	var c domain.Credential
	err := r.pool.QueryRow(ctx, sql, arg).Scan(&c.UserID, &c.Principal, &c.SecretHash, &c.Enabled, &c.Role, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create persists c. UserID and Principal must be set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Credential) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.UserID, c.Principal, c.SecretHash, c.Enabled, c.Role, c.CreatedAt, c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicatePrincipal
	}
	return err
}

func (r *PostgresRepository) UpdateSecretHash(ctx context.Context, userID, secretHash string) error {
	_, err := r.pool.Exec(ctx, `UPDATE credentials SET secret_hash = $2, updated_at = $3 WHERE user_id = $1`,
		userID, secretHash, time.Now().UTC())
	return err
}

func (r *PostgresRepository) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE credentials SET enabled = $2, updated_at = $3 WHERE user_id = $1`,
		userID, enabled, time.Now().UTC())
	return err
}
