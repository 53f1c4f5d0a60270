package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	auditdomain "fieldops-auth/backend/internal/audit/domain"
	"fieldops-auth/backend/internal/identity/domain"
	"fieldops-auth/backend/internal/identity/limiter"
	"fieldops-auth/backend/internal/identity/repository"
	"fieldops-auth/backend/internal/security"
	sessiondomain "fieldops-auth/backend/internal/session/domain"
	sessionrepo "fieldops-auth/backend/internal/session/repository"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

type memSink struct {
	mu     sync.Mutex
	events []auditdomain.Event
}

func (s *memSink) Record(_ context.Context, e auditdomain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *memSink) has(kind auditdomain.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

const testSecret = "correct-horse-42"

var phone = sessiondomain.Client{IP: "203.0.113.9", UserAgent: "fieldapp/4.2 (android)"}

type testEnv struct {
	svc      *AuthService
	creds    *repository.MemoryRepository
	sessions *sessionrepo.MemoryRepository
	sink     *memSink
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, maxAttempts int) *testEnv {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		creds:    repository.NewMemoryRepository(),
		sessions: sessionrepo.NewMemoryRepository(),
		sink:     &memSink{},
		mr:       mr,
	}
	mgr := sessionservice.NewManager(
		env.sessions,
		security.NewRefreshCodec(""),
		tokens,
		NewPrincipals(env.creds),
		env.sink,
		nil,
		zerolog.Nop(),
		sessionservice.Config{RefreshTTL: 24 * time.Hour},
	)
	env.svc = NewAuthService(
		env.creds,
		security.NewHasher(bcrypt.MinCost),
		mgr,
		limiter.New(client, maxAttempts, 15*time.Minute),
		env.sink,
		zerolog.Nop(),
	)
	return env
}

func (e *testEnv) register(t *testing.T, principal string) string {
	t.Helper()
	id, err := e.svc.Register(context.Background(), principal, testSecret, "technician")
	require.NoError(t, err)
	return id
}

func TestAuthService_Register(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	id, err := env.svc.Register(ctx, "  Tech@Example.com ", testSecret, "technician")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cred, err := env.creds.FindByPrincipal(ctx, "tech@example.com")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, id, cred.UserID)
	assert.True(t, cred.Enabled)
	assert.NotEqual(t, testSecret, cred.SecretHash)

	_, err = env.svc.Register(ctx, "tech@example.com", testSecret, "technician")
	assert.ErrorIs(t, err, ErrPrincipalAlreadyExists)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	tests := []struct {
		name      string
		principal string
		secret    string
	}{
		{"empty principal", " ", testSecret},
		{"short secret", "a@example.com", "short-1"},
		{"letters only", "a@example.com", "onlylettershere"},
		{"digits only", "a@example.com", "123456789012345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(ctx, tt.principal, tt.secret, "technician")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestAuthService_LoginAndRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	userID := env.register(t, "tech@example.com")

	tok, err := env.svc.Login(ctx, "TECH@example.com", testSecret, phone)
	require.NoError(t, err)
	assert.Equal(t, userID, tok.UserID)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.True(t, env.sink.has(auditdomain.KindLoginSuccess))

	next, err := env.svc.Refresh(ctx, tok.RefreshToken, phone)
	require.NoError(t, err)
	assert.Equal(t, tok.FamilyID, next.FamilyID)
	assert.NotEqual(t, tok.RefreshToken, next.RefreshToken)

	require.NoError(t, env.svc.Logout(ctx, next.RefreshToken, phone))
	_, err = env.svc.Refresh(ctx, next.RefreshToken, phone)
	assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
}

func TestAuthService_LoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.register(t, "tech@example.com")

	_, errWrong := env.svc.Login(ctx, "tech@example.com", "wrong-secret-99", phone)
	_, errUnknown := env.svc.Login(ctx, "nobody@example.com", testSecret, phone)
	_, errEmpty := env.svc.Login(ctx, "", "", phone)

	for _, err := range []error{errWrong, errUnknown, errEmpty} {
		assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
		assert.Equal(t, sessionservice.ErrUnauthenticated.Error(), err.Error())
	}
	assert.True(t, env.sink.has(auditdomain.KindLoginFailure))
	assert.False(t, env.sink.has(auditdomain.KindLoginSuccess))
}

func TestAuthService_LoginDisabledIsForbidden(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.register(t, "tech@example.com")
	require.NoError(t, env.svc.SetEnabled(ctx, "tech@example.com", false))

	_, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	assert.ErrorIs(t, err, sessionservice.ErrForbidden)
	assert.True(t, env.sink.has(auditdomain.KindLoginForbidden))

	// a disabled principal with a wrong secret learns nothing about its state
	_, err = env.svc.Login(ctx, "tech@example.com", "wrong-secret-99", phone)
	assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
}

func TestAuthService_LoginThrottled(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.register(t, "tech@example.com")

	for i := 0; i < 2; i++ {
		_, err := env.svc.Login(ctx, "tech@example.com", "wrong-secret-99", phone)
		require.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
	}
	_, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, env.sink.has(auditdomain.KindLoginThrottled))

	env.mr.FastForward(16 * time.Minute)
	_, err = env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	require.NoError(t, err)
}

func TestAuthService_SuccessResetsThrottle(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.register(t, "tech@example.com")

	_, err := env.svc.Login(ctx, "tech@example.com", "wrong-secret-99", phone)
	require.Error(t, err)
	_, err = env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, "tech@example.com", "wrong-secret-99", phone)
	require.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
	_, err = env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	assert.NoError(t, err)
}

func TestAuthService_ThrottleFailsOpen(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.register(t, "tech@example.com")
	env.mr.Close()

	_, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	assert.NoError(t, err)
}

func TestAuthService_ChangeSecretRevokesSessions(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.register(t, "tech@example.com")

	first, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	require.NoError(t, err)

	_, err = env.svc.ChangeSecret(ctx, "tech@example.com", "wrong-secret-99", "new-secret-2024!", phone)
	assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)

	n, err := env.svc.ChangeSecret(ctx, "tech@example.com", testSecret, "new-secret-2024!", phone)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, env.sink.has(auditdomain.KindSecretChanged))

	_, err = env.svc.Refresh(ctx, first.RefreshToken, phone)
	assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)

	_, err = env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	assert.ErrorIs(t, err, sessionservice.ErrUnauthenticated)
	_, err = env.svc.Login(ctx, "tech@example.com", "new-secret-2024!", phone)
	assert.NoError(t, err)
}

func TestAuthService_DisableRevokesSessionsAndBlocksRefresh(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	userID := env.register(t, "tech@example.com")

	tok, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
	require.NoError(t, err)

	require.NoError(t, env.svc.SetEnabled(ctx, "tech@example.com", false))
	active, err := env.sessions.CountActive(ctx, userID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, active)

	_, err = env.svc.Refresh(ctx, tok.RefreshToken, phone)
	assert.Error(t, err)

	err = env.svc.SetEnabled(ctx, "ghost@example.com", true)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthService_LogoutAll(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	userID := env.register(t, "tech@example.com")
	for i := 0; i < 3; i++ {
		_, err := env.svc.Login(ctx, "tech@example.com", testSecret, phone)
		require.NoError(t, err)
	}

	n, err := env.svc.LogoutAll(ctx, userID, phone)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

type brokenCreds struct {
	repository.Repository
}

var errDown = errors.New("connection refused")

func (brokenCreds) FindByPrincipal(context.Context, string) (*domain.Credential, error) {
	return nil, errDown
}

func TestAuthService_StoreFailureIsInfrastructure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.svc.creds = brokenCreds{}

	_, err := env.svc.Login(context.Background(), "tech@example.com", testSecret, phone)
	assert.ErrorIs(t, err, sessionservice.ErrInfrastructure)
	assert.NotErrorIs(t, err, sessionservice.ErrUnauthenticated)
}

func TestPrincipals_Lookup(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	userID := env.register(t, "lead@example.com")
	p := NewPrincipals(env.creds)

	role, enabled, err := p.Lookup(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "technician", role)
	assert.True(t, enabled)

	_, enabled, err = p.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, enabled)
}
