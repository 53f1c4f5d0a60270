package repository

import (
	"context"
	"sync"
	"time"

	"fieldops-auth/backend/internal/identity/domain"
)

// MemoryRepository keeps credentials in process memory.
type MemoryRepository struct {
	mu          sync.Mutex
	byUser      map[string]*domain.Credential
	byPrincipal map[string]string
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byUser:      make(map[string]*domain.Credential),
		byPrincipal: make(map[string]string),
	}
}

func (r *MemoryRepository) FindByPrincipal(ctx context.Context, principal string) (*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPrincipal[principal]
	if !ok {
		return nil, nil
	}
	c := *r.byUser[id]
	return &c, nil
}

func (r *MemoryRepository) FindByUserID(ctx context.Context, userID string) (*domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) Create(ctx context.Context, c *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPrincipal[c.Principal]; ok {
		return ErrDuplicatePrincipal
	}
	cp := *c
	r.byUser[c.UserID] = &cp
	r.byPrincipal[c.Principal] = c.UserID
	return nil
}

func (r *MemoryRepository) UpdateSecretHash(ctx context.Context, userID, secretHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byUser[userID]; ok {
		c.SecretHash = secretHash
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryRepository) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byUser[userID]; ok {
		c.Enabled = enabled
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}
