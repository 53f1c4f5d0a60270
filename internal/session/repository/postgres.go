package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldops-auth/backend/internal/session/domain"
)

const pgUniqueViolation = "23505"

const sessionColumns = `id, token_hash, user_id, family_id, is_revoked, issued_at, expires_at,
	last_used_at, created_from_ip, created_from_user_agent, revoked_at, revocation_reason, replaced_by`

// PostgresRepository implements Repository on the sessions table through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a session repository that uses pool for persistence.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create inserts s. The session must have ID and TokenHash set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	return pgInsert(ctx, r.pool, s)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgInsert(ctx context.Context, db pgExecer, s *domain.Session) error {
	_, err := db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.ID, s.TokenHash, s.UserID, s.FamilyID, s.IsRevoked, s.IssuedAt, s.ExpiresAt,
		s.LastUsedAt, s.CreatedFromIP, s.CreatedFromUserAgent, s.RevokedAt, string(s.RevocationReason), s.ReplacedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return unavailable("create session", err)
	}
	return nil
}

// FindByTokenHash returns the session for tokenHash, or nil if not found.
func (r *PostgresRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash)
	s, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find session by token hash", err)
	}
	return s, nil
}

func (r *PostgresRepository) FindByFamily(ctx context.Context, familyID string) ([]*domain.Session, error) {
	return r.query(ctx, "find family", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE family_id = $1
		ORDER BY issued_at, id
	`, familyID)
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string, reason domain.RevocationReason, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_at = $2, revocation_reason = $3
		WHERE id = $1 AND is_revoked = FALSE
	`, id, at, string(reason))
	if err != nil {
		return unavailable("revoke session", err)
	}
	return nil
}

func (r *PostgresRepository) RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_at = $2, revocation_reason = $3
		WHERE family_id = $1 AND is_revoked = FALSE
	`, familyID, at, string(reason))
	if err != nil {
		return 0, unavailable("revoke family", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) RevokeAllByUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_at = $2, revocation_reason = $3
		WHERE user_id = $1 AND is_revoked = FALSE
	`, userID, at, string(reason))
	if err != nil {
		return 0, unavailable("revoke user sessions", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	return r.query(ctx, "find active sessions", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > $2
		ORDER BY issued_at, id
	`, userID, now)
}

func (r *PostgresRepository) CountActive(ctx context.Context, userID string, now time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE ($1 = '' OR user_id = $1) AND is_revoked = FALSE AND expires_at > $2
	`, userID, now).Scan(&n)
	if err != nil {
		return 0, unavailable("count active sessions", err)
	}
	return n, nil
}

func (r *PostgresRepository) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, unavailable("prune sessions", err)
	}
	return tag.RowsAffected(), nil
}

// Rotate flips the predecessor to revoked only if it is still active and inserts the
// successor in the same transaction. Zero affected rows means another caller won.
func (r *PostgresRepository) Rotate(ctx context.Context, rot domain.Rotation) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("rotate: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old := rot.Revoked
	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_at = $2, revocation_reason = $3, replaced_by = $4
		WHERE id = $1 AND is_revoked = FALSE
	`, old.ID, old.RevokedAt, string(old.RevocationReason), old.ReplacedBy)
	if err != nil {
		return unavailable("rotate: revoke predecessor", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRotated
	}
	if err := pgInsert(ctx, tx, &rot.Next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("rotate: commit", err)
	}
	return nil
}

func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return unavailable("touch session", err)
	}
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, op, sql string, args ...any) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanPgSession(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func scanPgSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var reason string
	err := row.Scan(&s.ID, &s.TokenHash, &s.UserID, &s.FamilyID, &s.IsRevoked, &s.IssuedAt, &s.ExpiresAt,
		&s.LastUsedAt, &s.CreatedFromIP, &s.CreatedFromUserAgent, &s.RevokedAt, &reason, &s.ReplacedBy)
	if err != nil {
		return nil, err
	}
	s.RevocationReason = domain.RevocationReason(reason)
	return &s, nil
}
