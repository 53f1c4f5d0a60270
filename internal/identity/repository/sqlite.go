package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"fieldops-auth/backend/internal/identity/domain"
)

// SQLiteRepository implements Repository on a database opened with db.OpenSQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a credential repository backed by conn.
func NewSQLiteRepository(conn *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

func (r *SQLiteRepository) FindByPrincipal(ctx context.Context, principal string) (*domain.Credential, error) {
	return r.get(ctx, `SELECT user_id, principal, secret_hash, enabled, role, created_at, updated_at FROM credentials WHERE principal = ?`, principal)
}

func (r *SQLiteRepository) FindByUserID(ctx context.Context, userID string) (*domain.Credential, error) {
	return r.get(ctx, `SELECT user_id, principal, secret_hash, enabled, role, created_at, updated_at FROM credentials WHERE user_id = ?`, userID)
}

func (r *SQLiteRepository) get(ctx context.Context, query, arg string) (*domain.Credential, error) {
	var (
		c                domain.Credential
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&c.UserID, &c.Principal, &c.SecretHash, &c.Enabled, &c.Role, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, c *domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, principal, secret_hash, enabled, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.UserID, c.Principal, c.SecretHash, c.Enabled, c.Role, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicatePrincipal
	}
	return err
}

func (r *SQLiteRepository) UpdateSecretHash(ctx context.Context, userID, secretHash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE credentials SET secret_hash = ?, updated_at = ? WHERE user_id = ?`,
		secretHash, time.Now().UTC().UnixNano(), userID)
	return err
}

func (r *SQLiteRepository) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE credentials SET enabled = ?, updated_at = ? WHERE user_id = ?`,
		enabled, time.Now().UTC().UnixNano(), userID)
	return err
}
