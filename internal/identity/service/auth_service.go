package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/audit"
	auditdomain "fieldops-auth/backend/internal/audit/domain"
	"fieldops-auth/backend/internal/identity/domain"
	"fieldops-auth/backend/internal/identity/limiter"
	"fieldops-auth/backend/internal/identity/repository"
	"fieldops-auth/backend/internal/security"
	sessiondomain "fieldops-auth/backend/internal/session/domain"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

// Sentinel errors owned by this package. Authentication outcomes reuse the session
// service sentinels so the handler maps a single set.
var (
	ErrThrottled              = errors.New("too many failed login attempts")
	ErrPrincipalAlreadyExists = errors.New("principal already registered")
	ErrInvalidInput           = errors.New("invalid input")
)

// SessionManager is the subset of the session manager used by the verifier.
type SessionManager interface {
	Open(ctx context.Context, userID, role string, client sessiondomain.Client) (*sessionservice.Tokens, error)
	Refresh(ctx context.Context, raw string, client sessiondomain.Client) (*sessionservice.Tokens, error)
	Logout(ctx context.Context, raw string, client sessiondomain.Client) error
	LogoutAll(ctx context.Context, userID string, reason sessiondomain.RevocationReason, client sessiondomain.Client) (int64, error)
}

// Throttle limits failed logins per principal. limiter.LoginLimiter implements it.
type Throttle interface {
	Check(ctx context.Context, principal string) error
	RecordFailure(ctx context.Context, principal string) error
	Reset(ctx context.Context, principal string) error
}

// AuthService verifies credentials and hands authenticated principals to the session manager.
type AuthService struct {
	creds    repository.Repository
	hasher   *security.Hasher
	sessions SessionManager
	throttle Throttle
	audit    audit.Sink
	log      zerolog.Logger
}

// NewAuthService returns an AuthService. throttle and sink may be nil.
func NewAuthService(
	creds repository.Repository,
	hasher *security.Hasher,
	sessions SessionManager,
	throttle Throttle,
	sink audit.Sink,
	log zerolog.Logger,
) *AuthService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &AuthService{
		creds:    creds,
		hasher:   hasher,
		sessions: sessions,
		throttle: throttle,
		audit:    sink,
		log:      log.With().Str("component", "identity").Logger(),
	}
}

// Login authenticates principal/secret and opens a session. Every credential failure
// returns the same ErrUnauthenticated; an unknown principal still pays for one hash
// comparison so response time does not reveal whether it exists.
func (s *AuthService) Login(ctx context.Context, principal, secret string, client sessiondomain.Client) (*sessionservice.Tokens, error) {
	principal = domain.NormalizePrincipal(principal)
	if principal == "" || secret == "" {
		s.hasher.BurnCompare(secret)
		s.record(ctx, auditdomain.KindLoginFailure, "", client, "empty credentials")
		return nil, sessionservice.ErrUnauthenticated
	}
	if err := s.checkThrottle(ctx, principal); err != nil {
		s.record(ctx, auditdomain.KindLoginThrottled, "", client, principal)
		return nil, err
	}

	cred, err := s.creds.FindByPrincipal(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find credential: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	if cred == nil {
		s.hasher.BurnCompare(secret)
		s.failed(ctx, principal, "", client, "unknown principal")
		return nil, sessionservice.ErrUnauthenticated
	}
	if !s.hasher.Verify(secret, cred.SecretHash) {
		s.failed(ctx, principal, cred.UserID, client, "secret mismatch")
		return nil, sessionservice.ErrUnauthenticated
	}
	if !cred.Enabled {
		s.record(ctx, auditdomain.KindLoginForbidden, cred.UserID, client, "")
		return nil, sessionservice.ErrForbidden
	}
	if s.throttle != nil {
		if err := s.throttle.Reset(ctx, principal); err != nil {
			s.log.Warn().Err(err).Msg("reset login throttle")
		}
	}
	return s.sessions.Open(ctx, cred.UserID, cred.Role, client)
}

// checkThrottle fails open when the limiter backend is down.
func (s *AuthService) checkThrottle(ctx context.Context, principal string) error {
	if s.throttle == nil {
		return nil
	}
	err := s.throttle.Check(ctx, principal)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, limiter.ErrLimited):
		return ErrThrottled
	default:
		s.log.Warn().Err(err).Msg("login throttle unavailable")
		return nil
	}
}

func (s *AuthService) failed(ctx context.Context, principal, userID string, client sessiondomain.Client, detail string) {
	if s.throttle != nil {
		if err := s.throttle.RecordFailure(ctx, principal); err != nil && !errors.Is(err, limiter.ErrLimited) {
			s.log.Warn().Err(err).Msg("record login failure")
		}
	}
	s.record(ctx, auditdomain.KindLoginFailure, userID, client, detail)
}

// Register creates an enabled credential and returns the new user id.
func (s *AuthService) Register(ctx context.Context, principal, secret, role string) (string, error) {
	principal = domain.NormalizePrincipal(principal)
	if principal == "" {
		return "", fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if err := validateSecret(secret); err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash([]byte(secret))
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	cred := &domain.Credential{
		UserID:     uuid.NewString(),
		Principal:  principal,
		SecretHash: hash,
		Enabled:    true,
		Role:       role,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicatePrincipal) {
			return "", ErrPrincipalAlreadyExists
		}
		return "", fmt.Errorf("create credential: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	return cred.UserID, nil
}

// ChangeSecret replaces the stored secret after verifying the current one and signs the
// principal out everywhere. It returns how many sessions were revoked.
func (s *AuthService) ChangeSecret(ctx context.Context, principal, current, next string, client sessiondomain.Client) (int64, error) {
	principal = domain.NormalizePrincipal(principal)
	cred, err := s.creds.FindByPrincipal(ctx, principal)
	if err != nil {
		return 0, fmt.Errorf("find credential: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	if cred == nil {
		s.hasher.BurnCompare(current)
		return 0, sessionservice.ErrUnauthenticated
	}
	if !s.hasher.Verify(current, cred.SecretHash) {
		s.failed(ctx, principal, cred.UserID, client, "secret change: current secret mismatch")
		return 0, sessionservice.ErrUnauthenticated
	}
	if err := validateSecret(next); err != nil {
		return 0, err
	}
	hash, err := s.hasher.Hash([]byte(next))
	if err != nil {
		return 0, err
	}
	if err := s.creds.UpdateSecretHash(ctx, cred.UserID, hash); err != nil {
		return 0, fmt.Errorf("update secret: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	s.record(ctx, auditdomain.KindSecretChanged, cred.UserID, client, "")
	return s.sessions.LogoutAll(ctx, cred.UserID, sessiondomain.ReasonPasswordChange, client)
}

// SetEnabled enables or disables a principal. Disabling also revokes all of its sessions.
func (s *AuthService) SetEnabled(ctx context.Context, principal string, enabled bool) error {
	cred, err := s.creds.FindByPrincipal(ctx, domain.NormalizePrincipal(principal))
	if err != nil {
		return fmt.Errorf("find credential: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	if cred == nil {
		return fmt.Errorf("%w: unknown principal", ErrInvalidInput)
	}
	if err := s.creds.SetEnabled(ctx, cred.UserID, enabled); err != nil {
		return fmt.Errorf("set enabled: %w: %w", sessionservice.ErrInfrastructure, err)
	}
	if !enabled {
		_, err = s.sessions.LogoutAll(ctx, cred.UserID, sessiondomain.ReasonAdmin, sessiondomain.Client{})
	}
	return err
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, raw string, client sessiondomain.Client) (*sessionservice.Tokens, error) {
	return s.sessions.Refresh(ctx, raw, client)
}

// Logout revokes the session of raw. Unknown tokens are a no-op.
func (s *AuthService) Logout(ctx context.Context, raw string, client sessiondomain.Client) error {
	return s.sessions.Logout(ctx, raw, client)
}

// LogoutAll revokes every session of userID.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, client sessiondomain.Client) (int64, error) {
	return s.sessions.LogoutAll(ctx, userID, sessiondomain.ReasonLogoutAll, client)
}

func (s *AuthService) record(ctx context.Context, kind auditdomain.Kind, userID string, client sessiondomain.Client, detail string) {
	s.audit.Record(ctx, auditdomain.Event{
		Kind:      kind,
		UserID:    userID,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Detail:    detail,
	})
}

// Principals adapts the credential store to the session manager's role lookup.
type Principals struct {
	creds repository.Repository
}

// NewPrincipals returns a Principals reading from creds.
func NewPrincipals(creds repository.Repository) *Principals {
	return &Principals{creds: creds}
}

// Lookup returns the role and enabled flag of userID. A missing credential is reported
// as disabled.
func (p *Principals) Lookup(ctx context.Context, userID string) (string, bool, error) {
	cred, err := p.creds.FindByUserID(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if cred == nil {
		return "", false, nil
	}
	return cred.Role, cred.Enabled, nil
}

// validateSecret is the minimal secret policy applied at registration and secret change.
func validateSecret(secret string) error {
	if len(secret) < 12 {
		return fmt.Errorf("%w: secret must be at least 12 characters", ErrInvalidInput)
	}
	if len(secret) > 72 {
		return fmt.Errorf("%w: secret must be at most 72 bytes", ErrInvalidInput)
	}
	var hasLetter, hasOther bool
	for _, r := range secret {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		default:
			hasOther = true
		}
	}
	if !hasLetter || !hasOther {
		return fmt.Errorf("%w: secret must mix letters with digits or symbols", ErrInvalidInput)
	}
	return nil
}
