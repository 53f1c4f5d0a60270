package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fieldops-auth/backend/internal/session/domain"
)

// SQLiteRepository implements Repository on a SQLite database opened with db.OpenSQLite.
// Timestamps are stored as unix nanoseconds.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a session repository backed by conn.
func NewSQLiteRepository(conn *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) Create(ctx context.Context, s *domain.Session) error {
	return sqliteInsert(ctx, r.db, s)
}

func sqliteInsert(ctx context.Context, db sqlExecer, s *domain.Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TokenHash, s.UserID, s.FamilyID, s.IsRevoked, nanos(s.IssuedAt), nanos(s.ExpiresAt),
		nullNanos(s.LastUsedAt), s.CreatedFromIP, s.CreatedFromUserAgent, nullNanos(s.RevokedAt),
		string(s.RevocationReason), s.ReplacedBy)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrConflict
		}
		return unavailable("create session", err)
	}
	return nil
}

func (r *SQLiteRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	s, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find session by token hash", err)
	}
	return s, nil
}

func (r *SQLiteRepository) FindByFamily(ctx context.Context, familyID string) ([]*domain.Session, error) {
	return r.query(ctx, "find family", `
		SELECT `+sessionColumns+` FROM sessions WHERE family_id = ? ORDER BY issued_at, id
	`, familyID)
}

func (r *SQLiteRepository) Revoke(ctx context.Context, id string, reason domain.RevocationReason, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_revoked = 1, revoked_at = ?, revocation_reason = ?
		WHERE id = ? AND is_revoked = 0
	`, nanos(at), string(reason), id)
	if err != nil {
		return unavailable("revoke session", err)
	}
	return nil
}

func (r *SQLiteRepository) RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	return r.exec(ctx, "revoke family", `
		UPDATE sessions SET is_revoked = 1, revoked_at = ?, revocation_reason = ?
		WHERE family_id = ? AND is_revoked = 0
	`, nanos(at), string(reason), familyID)
}

func (r *SQLiteRepository) RevokeAllByUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	return r.exec(ctx, "revoke user sessions", `
		UPDATE sessions SET is_revoked = 1, revoked_at = ?, revocation_reason = ?
		WHERE user_id = ? AND is_revoked = 0
	`, nanos(at), string(reason), userID)
}

func (r *SQLiteRepository) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	return r.query(ctx, "find active sessions", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND is_revoked = 0 AND expires_at > ?
		ORDER BY issued_at, id
	`, userID, nanos(now))
}

func (r *SQLiteRepository) CountActive(ctx context.Context, userID string, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE (? = '' OR user_id = ?) AND is_revoked = 0 AND expires_at > ?
	`, userID, userID, nanos(now)).Scan(&n)
	if err != nil {
		return 0, unavailable("count active sessions", err)
	}
	return n, nil
}

func (r *SQLiteRepository) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.exec(ctx, "prune sessions", `DELETE FROM sessions WHERE expires_at < ?`, nanos(before))
}

func (r *SQLiteRepository) Rotate(ctx context.Context, rot domain.Rotation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("rotate: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	old := rot.Revoked
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = 1, revoked_at = ?, revocation_reason = ?, replaced_by = ?
		WHERE id = ? AND is_revoked = 0
	`, nullNanos(old.RevokedAt), string(old.RevocationReason), old.ReplacedBy, old.ID)
	if err != nil {
		return unavailable("rotate: revoke predecessor", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rotate: revoke predecessor", err)
	}
	if n == 0 {
		return ErrAlreadyRotated
	}
	if err := sqliteInsert(ctx, tx, &rot.Next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("rotate: commit", err)
	}
	return nil
}

func (r *SQLiteRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.exec(ctx, "touch session", `UPDATE sessions SET last_used_at = ? WHERE id = ?`, nanos(at), id)
	return err
}

func (r *SQLiteRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, op, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*domain.Session, error) {
	var (
		s                 domain.Session
		issued, expires   int64
		lastUsed, revoked sql.NullInt64
		reason            string
	)
	err := row.Scan(&s.ID, &s.TokenHash, &s.UserID, &s.FamilyID, &s.IsRevoked, &issued, &expires,
		&lastUsed, &s.CreatedFromIP, &s.CreatedFromUserAgent, &revoked, &reason, &s.ReplacedBy)
	if err != nil {
		return nil, err
	}
	s.IssuedAt = fromNanos(issued)
	s.ExpiresAt = fromNanos(expires)
	s.LastUsedAt = fromNullNanos(lastUsed)
	s.RevokedAt = fromNullNanos(revoked)
	s.RevocationReason = domain.RevocationReason(reason)
	return &s, nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
