// Package service implements session issuance, refresh-token rotation with
// family-based replay detection, logout and the expired-row sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fieldops-auth/backend/internal/audit"
	auditdomain "fieldops-auth/backend/internal/audit/domain"
	"fieldops-auth/backend/internal/security"
	"fieldops-auth/backend/internal/session/domain"
	"fieldops-auth/backend/internal/session/repository"
)

var tracer = otel.Tracer("fieldops-auth/backend/internal/session/service")

// Config holds session lifetimes and limits.
type Config struct {
	RefreshTTL time.Duration
	// MaxActiveSessions caps active sessions per user; 0 means unbounded.
	MaxActiveSessions int
}

// Principals resolves the current role and enabled flag of a user when a refreshed
// access token is minted.
type Principals interface {
	Lookup(ctx context.Context, userID string) (role string, enabled bool, err error)
}

// Tokens is what a successful login or refresh hands back to the client.
// RefreshToken is the only copy of the raw refresh token.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        time.Duration
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	UserID           string
	SessionID        string
	FamilyID         string
}

// Manager orchestrates sessions over a Repository. It keeps no session state of its
// own: every decision reads through to the store.
type Manager struct {
	repo       repository.Repository
	codec      *security.RefreshCodec
	access     security.AccessTokenIssuer
	principals Principals
	audit      audit.Sink
	metrics    *Metrics
	log        zerolog.Logger
	cfg        Config

	now          func() time.Time
	newSessionID func() string
	newFamilyID  func() string
}

// NewManager returns a Manager. principals, sink and metrics may be nil.
func NewManager(
	repo repository.Repository,
	codec *security.RefreshCodec,
	access security.AccessTokenIssuer,
	principals Principals,
	sink audit.Sink,
	metrics *Metrics,
	log zerolog.Logger,
	cfg Config,
) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		repo:         repo,
		codec:        codec,
		access:       access,
		principals:   principals,
		audit:        sink,
		metrics:      metrics,
		log:          log.With().Str("component", "session").Logger(),
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		newSessionID: func() string { return ulid.Make().String() },
		newFamilyID:  uuid.NewString,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open starts a new family for an already authenticated user and returns its first tokens.
func (m *Manager) Open(ctx context.Context, userID, role string, client domain.Client) (*Tokens, error) {
	ctx, span := tracer.Start(ctx, "session.Open", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	now := m.now()
	if m.cfg.MaxActiveSessions > 0 {
		if err := m.enforceLimit(ctx, userID, client, now); err != nil {
			return nil, fail(span, err)
		}
	}

	raw, hash, err := m.codec.Generate()
	if err != nil {
		return nil, fail(span, fmt.Errorf("generate refresh token: %w", err))
	}
	s := domain.New(userID, m.newFamilyID(), domain.Issue{
		ID:        m.newSessionID(),
		TokenHash: hash,
		TTL:       m.cfg.RefreshTTL,
		Client:    client,
	}, now)

	access, accessExp, err := m.access.IssueAccess(s.ID, userID, role, now)
	if err != nil {
		return nil, fail(span, fmt.Errorf("issue access token: %w", err))
	}
	if err := m.repo.Create(ctx, &s); err != nil {
		return nil, fail(span, infra("create session", err))
	}

	m.metrics.sessionOpened()
	m.record(ctx, auditdomain.KindLoginSuccess, &s, client, "")
	span.SetAttributes(attribute.String("session.family_id", s.FamilyID))
	return m.tokens(&s, raw, access, accessExp), nil
}

// enforceLimit revokes the user's oldest families until a new session fits under the cap.
func (m *Manager) enforceLimit(ctx context.Context, userID string, client domain.Client, now time.Time) error {
	n, err := m.repo.CountActive(ctx, userID, now)
	if err != nil {
		return infra("count active sessions", err)
	}
	if n < int64(m.cfg.MaxActiveSessions) {
		return nil
	}
	active, err := m.repo.FindActiveByUser(ctx, userID, now)
	if err != nil {
		return infra("find active sessions", err)
	}
	perFamily := make(map[string]int)
	for _, s := range active {
		perFamily[s.FamilyID]++
	}
	remaining := len(active)
	for _, s := range active {
		if remaining < m.cfg.MaxActiveSessions {
			break
		}
		members, ok := perFamily[s.FamilyID]
		if !ok {
			continue
		}
		delete(perFamily, s.FamilyID)
		if _, err := m.repo.RevokeFamily(ctx, s.FamilyID, domain.ReasonSessionLimit, now); err != nil {
			return infra("revoke oldest family", err)
		}
		remaining -= members
		m.metrics.familyRevoked(string(domain.ReasonSessionLimit))
		m.record(ctx, auditdomain.KindSessionLimit, s, client, "")
	}
	return nil
}

// Refresh redeems raw exactly once. On success the predecessor is revoked, a successor
// in the same family is stored and fresh tokens are returned. Presenting a token that is
// already revoked, or losing a concurrent rotation of it, revokes the whole family.
// Expired tokens fail without touching the family.
func (m *Manager) Refresh(ctx context.Context, raw string, client domain.Client) (*Tokens, error) {
	ctx, span := tracer.Start(ctx, "session.Refresh")
	defer span.End()

	if err := m.codec.VerifyFormat(raw); err != nil {
		m.metrics.refresh("malformed")
		return nil, fail(span, ErrValidation)
	}
	now := m.now()
	old, err := m.repo.FindByTokenHash(ctx, m.codec.Hash(raw))
	if err != nil {
		m.metrics.refresh("error")
		return nil, fail(span, infra("find session", err))
	}
	// Store lookups may be looser than byte equality (collation, prefix indexes).
	if old == nil || !m.codec.HashEqual(raw, old.TokenHash) {
		m.metrics.refresh("unknown")
		m.record(ctx, auditdomain.KindRefreshUnknown, nil, client, "")
		return nil, fail(span, ErrSessionUnknown)
	}
	span.SetAttributes(attribute.String("session.family_id", old.FamilyID))

	if old.IsRevoked {
		return nil, fail(span, m.replay(ctx, old, client, now, "revoked token presented: "+string(old.RevocationReason)))
	}
	if old.Expired(now) {
		m.metrics.refresh("expired")
		m.record(ctx, auditdomain.KindRefreshExpired, old, client, "")
		return nil, fail(span, ErrSessionExpired)
	}

	role := ""
	if m.principals != nil {
		r, enabled, err := m.principals.Lookup(ctx, old.UserID)
		if err != nil {
			m.metrics.refresh("error")
			return nil, fail(span, infra("lookup principal", err))
		}
		if !enabled {
			m.metrics.refresh("forbidden")
			m.record(ctx, auditdomain.KindLoginForbidden, old, client, "refresh")
			return nil, fail(span, ErrForbidden)
		}
		role = r
	}

	nextRaw, nextHash, err := m.codec.Generate()
	if err != nil {
		return nil, fail(span, fmt.Errorf("generate refresh token: %w", err))
	}
	rot, err := domain.Rotate(*old, domain.Issue{
		ID:        m.newSessionID(),
		TokenHash: nextHash,
		TTL:       m.cfg.RefreshTTL,
		Client:    client,
	}, now)
	if err != nil {
		m.metrics.refresh("expired")
		return nil, fail(span, ErrSessionExpired)
	}
	access, accessExp, err := m.access.IssueAccess(rot.Next.ID, old.UserID, role, now)
	if err != nil {
		return nil, fail(span, fmt.Errorf("issue access token: %w", err))
	}

	// Single attempt: a blind retry after partial success would look like replay.
	switch err := m.repo.Rotate(ctx, rot); {
	case errors.Is(err, repository.ErrAlreadyRotated):
		return nil, fail(span, m.replay(ctx, old, client, now, "lost concurrent rotation"))
	case err != nil:
		m.metrics.refresh("error")
		return nil, fail(span, infra("rotate session", err))
	}

	if err := m.repo.TouchLastUsed(ctx, old.ID, now); err != nil {
		m.log.Warn().Ctx(ctx).Err(err).Str("session_id", old.ID).Msg("touch last used failed")
	}
	m.metrics.refresh("success")
	m.record(ctx, auditdomain.KindRefreshSuccess, &rot.Next, client, "")
	return m.tokens(&rot.Next, nextRaw, access, accessExp), nil
}

// replay revokes the family of s and reports ErrReplayDetected, or an infrastructure
// error when the revocation itself failed.
func (m *Manager) replay(ctx context.Context, s *domain.Session, client domain.Client, now time.Time, detail string) error {
	m.metrics.refresh("replay")
	n, err := m.repo.RevokeFamily(ctx, s.FamilyID, domain.ReasonReplay, now)
	m.log.Warn().Ctx(ctx).
		Str("user_id", s.UserID).
		Str("family_id", s.FamilyID).
		Str("session_id", s.ID).
		Int64("revoked", n).
		Str("detail", detail).
		Msg("refresh token replay detected, family revoked")
	m.record(ctx, auditdomain.KindReplayDetected, s, client, detail+"; revoked="+strconv.FormatInt(n, 10))
	if err != nil {
		return infra("revoke family", err)
	}
	m.metrics.familyRevoked(string(domain.ReasonReplay))
	return ErrReplayDetected
}

// Logout revokes the session raw belongs to. Malformed, unknown and already revoked
// tokens are a no-op.
func (m *Manager) Logout(ctx context.Context, raw string, client domain.Client) error {
	ctx, span := tracer.Start(ctx, "session.Logout")
	defer span.End()

	if m.codec.VerifyFormat(raw) != nil {
		return nil
	}
	s, err := m.repo.FindByTokenHash(ctx, m.codec.Hash(raw))
	if err != nil {
		return fail(span, infra("find session", err))
	}
	if s == nil || s.IsRevoked || !m.codec.HashEqual(raw, s.TokenHash) {
		return nil
	}
	if err := m.repo.Revoke(ctx, s.ID, domain.ReasonLogout, m.now()); err != nil {
		return fail(span, infra("revoke session", err))
	}
	m.metrics.logout("session")
	m.record(ctx, auditdomain.KindLogout, s, client, "")
	return nil
}

// LogoutAll revokes every session of userID and returns how many were still active.
func (m *Manager) LogoutAll(ctx context.Context, userID string, reason domain.RevocationReason, client domain.Client) (int64, error) {
	ctx, span := tracer.Start(ctx, "session.LogoutAll", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if reason == "" {
		reason = domain.ReasonLogoutAll
	}
	n, err := m.repo.RevokeAllByUser(ctx, userID, reason, m.now())
	if err != nil {
		return 0, fail(span, infra("revoke user sessions", err))
	}
	m.metrics.logout("all")
	m.record(ctx, auditdomain.KindLogoutAll, &domain.Session{UserID: userID}, client,
		string(reason)+"; revoked="+strconv.FormatInt(n, 10))
	return n, nil
}

// ListActive returns the user's active sessions, oldest first.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	list, err := m.repo.FindActiveByUser(ctx, userID, m.now())
	if err != nil {
		return nil, infra("find active sessions", err)
	}
	return list, nil
}

// Family returns every member of a family in issue order.
func (m *Manager) Family(ctx context.Context, familyID string) ([]*domain.Session, error) {
	list, err := m.repo.FindByFamily(ctx, familyID)
	if err != nil {
		return nil, infra("find family", err)
	}
	return list, nil
}

func (m *Manager) tokens(s *domain.Session, raw, access string, accessExp time.Time) *Tokens {
	return &Tokens{
		AccessToken:      access,
		RefreshToken:     raw,
		ExpiresIn:        m.access.TTL(),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: s.ExpiresAt,
		UserID:           s.UserID,
		SessionID:        s.ID,
		FamilyID:         s.FamilyID,
	}
}

func (m *Manager) record(ctx context.Context, kind auditdomain.Kind, s *domain.Session, client domain.Client, detail string) {
	e := auditdomain.Event{
		Kind:       kind,
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		Detail:     detail,
		OccurredAt: m.now(),
	}
	if s != nil {
		e.UserID = s.UserID
		e.FamilyID = s.FamilyID
		e.SessionID = s.ID
	}
	m.audit.Record(ctx, e)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
