package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fieldops-auth/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory. Used by tests and STORE_DRIVER=memory.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.Session
	byHash map[string]string
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-memory session store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]*domain.Session),
		byHash: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(s)
}

func (r *MemoryRepository) insertLocked(s *domain.Session) error {
	if _, ok := r.byHash[s.TokenHash]; ok {
		return ErrConflict
	}
	if _, ok := r.byID[s.ID]; ok {
		return ErrConflict
	}
	c := *s
	r.byID[c.ID] = &c
	r.byHash[c.TokenHash] = c.ID
	return nil
}

func (r *MemoryRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return nil, nil
	}
	c := *r.byID[id]
	return &c, nil
}

func (r *MemoryRepository) FindByFamily(ctx context.Context, familyID string) ([]*domain.Session, error) {
	return r.collect(func(s *domain.Session) bool { return s.FamilyID == familyID }), nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, reason domain.RevocationReason, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		*s = domain.Revoke(*s, reason, at)
	}
	return nil
}

func (r *MemoryRepository) RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	return r.revokeWhere(func(s *domain.Session) bool { return s.FamilyID == familyID }, reason, at), nil
}

func (r *MemoryRepository) RevokeAllByUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int64, error) {
	return r.revokeWhere(func(s *domain.Session) bool { return s.UserID == userID }, reason, at), nil
}

func (r *MemoryRepository) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	return r.collect(func(s *domain.Session) bool {
		return s.UserID == userID && !s.IsRevoked && !s.Expired(now)
	}), nil
}

func (r *MemoryRepository) CountActive(ctx context.Context, userID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byID {
		if (userID == "" || s.UserID == userID) && !s.IsRevoked && !s.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.byID {
		if s.ExpiresAt.Before(before) {
			delete(r.byHash, s.TokenHash)
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Rotate(ctx context.Context, rot domain.Rotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[rot.Revoked.ID]
	if !ok || cur.IsRevoked {
		return ErrAlreadyRotated
	}
	if _, dup := r.byHash[rot.Next.TokenHash]; dup {
		return ErrConflict
	}
	prev := *cur
	*cur = rot.Revoked
	if err := r.insertLocked(&rot.Next); err != nil {
		*cur = prev
		return err
	}
	return nil
}

func (r *MemoryRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		t := at
		s.LastUsedAt = &t
	}
	return nil
}

func (r *MemoryRepository) collect(match func(*domain.Session) bool) []*domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.byID {
		if match(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

func (r *MemoryRepository) revokeWhere(match func(*domain.Session) bool, reason domain.RevocationReason, at time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byID {
		if match(s) && !s.IsRevoked {
			*s = domain.Revoke(*s, reason, at)
			n++
		}
	}
	return n
}
