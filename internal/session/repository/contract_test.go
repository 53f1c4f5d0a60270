package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops-auth/backend/internal/db"
	"fieldops-auth/backend/internal/session/domain"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func TestMemoryRepository(t *testing.T) {
	runContract(t, func(t *testing.T) Repository { return NewMemoryRepository() })
}

func TestSQLiteRepository(t *testing.T) {
	runContract(t, func(t *testing.T) Repository {
		conn, err := db.OpenSQLite(context.Background(), db.MemorySQLite)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return NewSQLiteRepository(conn)
	})
}

func mkSession(id, user, family string, issued time.Time, ttl time.Duration) *domain.Session {
	s := domain.New(user, family, domain.Issue{ID: id, TokenHash: "hash-" + id, TTL: ttl}, issued)
	return &s
}

func runContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and find by hash", func(t *testing.T) {
		r := newRepo(t)
		s := mkSession("s1", "u1", "f1", base, time.Hour)
		s.CreatedFromIP = "10.1.2.3"
		s.CreatedFromUserAgent = "fieldapp/3.0 (android)"
		require.NoError(t, r.Create(ctx, s))

		got, err := r.FindByTokenHash(ctx, "hash-s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "s1", got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "f1", got.FamilyID)
		assert.False(t, got.IsRevoked)
		assert.True(t, got.IssuedAt.Equal(base))
		assert.True(t, got.ExpiresAt.Equal(base.Add(time.Hour)))
		assert.Nil(t, got.LastUsedAt)
		assert.Nil(t, got.RevokedAt)
		assert.Equal(t, "10.1.2.3", got.CreatedFromIP)
		assert.Equal(t, "fieldapp/3.0 (android)", got.CreatedFromUserAgent)

		missing, err := r.FindByTokenHash(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("create conflict on duplicate hash", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("s1", "u1", "f1", base, time.Hour)))
		dup := mkSession("s2", "u1", "f1", base, time.Hour)
		dup.TokenHash = "hash-s1"
		assert.ErrorIs(t, r.Create(ctx, dup), ErrConflict)
	})

	t.Run("find by family ordered by issuedAt", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("c", "u1", "f1", base.Add(2*time.Minute), time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("a", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("b", "u1", "f1", base.Add(time.Minute), time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("x", "u1", "f2", base, time.Hour)))

		fam, err := r.FindByFamily(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, fam, 3)
		assert.Equal(t, []string{"a", "b", "c"}, ids(fam))
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("s1", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Revoke(ctx, "s1", domain.ReasonLogout, base.Add(time.Minute)))
		require.NoError(t, r.Revoke(ctx, "s1", domain.ReasonAdmin, base.Add(2*time.Minute)))
		require.NoError(t, r.Revoke(ctx, "missing", domain.ReasonLogout, base))

		got, err := r.FindByTokenHash(ctx, "hash-s1")
		require.NoError(t, err)
		assert.True(t, got.IsRevoked)
		assert.Equal(t, domain.ReasonLogout, got.RevocationReason)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, got.RevokedAt.Equal(base.Add(time.Minute)))
	})

	t.Run("revoke family cascades and counts", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("a", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("b", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("c", "u1", "f2", base, time.Hour)))
		require.NoError(t, r.Revoke(ctx, "a", domain.ReasonRotation, base))

		n, err := r.RevokeFamily(ctx, "f1", domain.ReasonReplay, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		active, err := r.FindActiveByUser(ctx, "u1", base)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(active))
	})

	t.Run("revoke all by user", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("a", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("b", "u1", "f2", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("c", "u2", "f3", base, time.Hour)))

		n, err := r.RevokeAllByUser(ctx, "u1", domain.ReasonLogoutAll, base)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		c, err := r.CountActive(ctx, "u1", base)
		require.NoError(t, err)
		assert.Zero(t, c)
		c, err = r.CountActive(ctx, "u2", base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c)
	})

	t.Run("active excludes expired and revoked", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("live", "u1", "f1", base, time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("old", "u1", "f2", base.Add(-2*time.Hour), time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("gone", "u1", "f3", base, time.Hour)))
		require.NoError(t, r.Revoke(ctx, "gone", domain.ReasonLogout, base))
		require.NoError(t, r.Create(ctx, mkSession("other", "u2", "f4", base, time.Hour)))

		active, err := r.FindActiveByUser(ctx, "u1", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"live"}, ids(active))

		all, err := r.CountActive(ctx, "", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), all)

		// expiry boundary: expiresAt == now is not active
		c, err := r.CountActive(ctx, "u1", base.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, c)
	})

	t.Run("prune only deletes rows expired before cutoff", func(t *testing.T) {
		r := newRepo(t)
		now := base
		require.NoError(t, r.Create(ctx, mkSession("expired", "u1", "f1", now.Add(-3*time.Hour), time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("boundary", "u1", "f2", now.Add(-time.Hour), time.Hour)))
		require.NoError(t, r.Create(ctx, mkSession("live", "u1", "f3", now, time.Hour)))

		n, err := r.PruneExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		for _, id := range []string{"boundary", "live"} {
			got, err := r.FindByTokenHash(ctx, "hash-"+id)
			require.NoError(t, err)
			assert.NotNil(t, got, id)
		}
		got, err := r.FindByTokenHash(ctx, "hash-expired")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("rotate revokes predecessor and inserts successor", func(t *testing.T) {
		r := newRepo(t)
		old := mkSession("s0", "u1", "f1", base, time.Hour)
		require.NoError(t, r.Create(ctx, old))

		now := base.Add(5 * time.Minute)
		rot, err := domain.Rotate(*old, domain.Issue{ID: "s1", TokenHash: "hash-s1", TTL: time.Hour}, now)
		require.NoError(t, err)
		require.NoError(t, r.Rotate(ctx, rot))

		fam, err := r.FindByFamily(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, fam, 2)
		assert.True(t, fam[0].IsRevoked)
		assert.Equal(t, domain.ReasonRotation, fam[0].RevocationReason)
		assert.Equal(t, "s1", fam[0].ReplacedBy)
		require.NotNil(t, fam[0].RevokedAt)
		assert.True(t, fam[0].RevokedAt.Equal(now))
		assert.False(t, fam[1].IsRevoked)

		// second rotation of the same predecessor loses
		again, err := domain.Rotate(*old, domain.Issue{ID: "s2", TokenHash: "hash-s2", TTL: time.Hour}, now)
		require.NoError(t, err)
		assert.ErrorIs(t, r.Rotate(ctx, again), ErrAlreadyRotated)

		got, err := r.FindByTokenHash(ctx, "hash-s2")
		require.NoError(t, err)
		assert.Nil(t, got, "losing rotation must not insert its successor")
	})

	t.Run("rotate judges revocation only, not expiry", func(t *testing.T) {
		r := newRepo(t)
		// issued long enough ago that the row is past expires_at by any store clock
		issued := time.Now().Add(-48 * time.Hour)
		old := mkSession("s0", "u1", "f1", issued, time.Hour)
		require.NoError(t, r.Create(ctx, old))

		rot, err := domain.Rotate(*old, domain.Issue{ID: "s1", TokenHash: "hash-s1", TTL: time.Hour}, issued.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, r.Rotate(ctx, rot))

		got, err := r.FindByTokenHash(ctx, "hash-s0")
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonRotation, got.RevocationReason)
	})

	t.Run("rotate conflict rolls back predecessor", func(t *testing.T) {
		r := newRepo(t)
		old := mkSession("s0", "u1", "f1", base, time.Hour)
		require.NoError(t, r.Create(ctx, old))
		require.NoError(t, r.Create(ctx, mkSession("taken", "u2", "f9", base, time.Hour)))

		rot, err := domain.Rotate(*old, domain.Issue{ID: "s1", TokenHash: "hash-taken", TTL: time.Hour}, base)
		require.NoError(t, err)
		assert.ErrorIs(t, r.Rotate(ctx, rot), ErrConflict)

		got, err := r.FindByTokenHash(ctx, "hash-s0")
		require.NoError(t, err)
		assert.False(t, got.IsRevoked)
	})

	t.Run("concurrent rotation has exactly one winner", func(t *testing.T) {
		r := newRepo(t)
		old := mkSession("s0", "u1", "f1", base, time.Hour)
		require.NoError(t, r.Create(ctx, old))

		const callers = 8
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("next-%d", i)
				rot, err := domain.Rotate(*old, domain.Issue{ID: id, TokenHash: "hash-" + id, TTL: time.Hour}, base)
				if err != nil {
					return
				}
				switch err := r.Rotate(ctx, rot); {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, ErrAlreadyRotated):
					losses.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(callers-1), losses.Load())

		active, err := r.FindActiveByUser(ctx, "u1", base)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("touch last used", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Create(ctx, mkSession("s1", "u1", "f1", base, time.Hour)))
		at := base.Add(3 * time.Minute)
		require.NoError(t, r.TouchLastUsed(ctx, "s1", at))
		got, err := r.FindByTokenHash(ctx, "hash-s1")
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, got.LastUsedAt.Equal(at))
	})
}

func ids(list []*domain.Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestSQLiteRepository_ClosedDBIsUnavailable(t *testing.T) {
	conn, err := db.OpenSQLite(context.Background(), db.MemorySQLite)
	require.NoError(t, err)
	r := NewSQLiteRepository(conn)
	require.NoError(t, conn.Close())

	_, err = r.FindByTokenHash(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.RevokeFamily(context.Background(), "f", domain.ReasonReplay, base)
	assert.ErrorIs(t, err, ErrUnavailable)
}
