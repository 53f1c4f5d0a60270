package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditdomain "fieldops-auth/backend/internal/audit/domain"
	"fieldops-auth/backend/internal/security"
	"fieldops-auth/backend/internal/session/domain"
	"fieldops-auth/backend/internal/session/repository"
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

func (s *memSink) kinds() []auditdomain.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auditdomain.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	mgr     *Manager
	repo    *repository.MemoryRepository
	sink    *memSink
	clock   *clock
	metrics *Metrics
}

var device = domain.Client{IP: "198.51.100.7", UserAgent: "fieldapp/4.2 (ios)"}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	f := &fixture{
		repo:    repository.NewMemoryRepository(),
		sink:    &memSink{},
		clock:   &clock{t: time.Now().UTC().Truncate(time.Second)},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.mgr = NewManager(f.repo, security.NewRefreshCodec(""), tokens, nil, f.sink, f.metrics, zerolog.Nop(), cfg)
	f.mgr.SetClock(f.clock.now)
	return f
}

func (f *fixture) login(t *testing.T, userID string) *Tokens {
	t.Helper()
	tok, err := f.mgr.Open(context.Background(), userID, "technician", device)
	require.NoError(t, err)
	return tok
}

func TestOpen_IssuesTokensAndNewFamily(t *testing.T) {
	f := newFixture(t, Config{})
	tok := f.login(t, "u1")

	assert.NotEmpty(t, tok.AccessToken)
	assert.Len(t, tok.RefreshToken, 43)
	assert.Equal(t, 15*time.Minute, tok.ExpiresIn)
	assert.Equal(t, f.clock.now().Add(24*time.Hour), tok.RefreshExpiresAt)

	stored, err := f.repo.FindByTokenHash(context.Background(), security.NewRefreshCodec("").Hash(tok.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, tok.FamilyID, stored.FamilyID)
	assert.Equal(t, device.IP, stored.CreatedFromIP)
	assert.NotEqual(t, tok.RefreshToken, stored.TokenHash, "raw token must not be persisted")

	other := f.login(t, "u1")
	assert.NotEqual(t, tok.FamilyID, other.FamilyID)
	assert.Equal(t, []auditdomain.Kind{auditdomain.KindLoginSuccess, auditdomain.KindLoginSuccess}, f.sink.kinds())
}

// P1: all issued sessions have pairwise-distinct token hashes.
func TestTokenHashesAreUnique(t *testing.T) {
	f := newFixture(t, Config{})
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tok := f.login(t, "u1")
		for j := 0; j < 3; j++ {
			next, err := f.mgr.Refresh(context.Background(), tok.RefreshToken, device)
			require.NoError(t, err)
			tok = next
		}
	}
	active, err := f.repo.FindActiveByUser(context.Background(), "u1", f.clock.now())
	require.NoError(t, err)
	require.Len(t, active, 20)
	for _, s := range active {
		fam, err := f.repo.FindByFamily(context.Background(), s.FamilyID)
		require.NoError(t, err)
		for _, m := range fam {
			assert.False(t, seen[m.TokenHash], "duplicate token hash")
			seen[m.TokenHash] = true
		}
	}
	assert.Len(t, seen, 80)
}

// Scenario 1 and P2: a second redemption fails and revokes the whole family.
func TestRefresh_ReplayRevokesFamily(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r0 := f.login(t, "u1")

	r1, err := f.mgr.Refresh(ctx, r0.RefreshToken, device)
	require.NoError(t, err)
	assert.Equal(t, r0.FamilyID, r1.FamilyID)
	assert.NotEqual(t, r0.RefreshToken, r1.RefreshToken)
	assert.NotEqual(t, r0.SessionID, r1.SessionID)

	_, err = f.mgr.Refresh(ctx, r0.RefreshToken, device)
	assert.ErrorIs(t, err, ErrReplayDetected)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	active, err := f.mgr.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// the legitimate successor is poisoned too
	_, err = f.mgr.Refresh(ctx, r1.RefreshToken, device)
	assert.ErrorIs(t, err, ErrReplayDetected)

	assert.Contains(t, f.sink.kinds(), auditdomain.KindReplayDetected)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.refreshes.WithLabelValues("replay")))
}

// Scenario 2 and P3: expiry fails without replay handling.
func TestRefresh_ExpiredDoesNotRevokeFamily(t *testing.T) {
	f := newFixture(t, Config{RefreshTTL: time.Hour})
	ctx := context.Background()
	r0 := f.login(t, "u1")
	sibling := f.login(t, "u1")

	f.clock.advance(time.Hour)
	_, err := f.mgr.Refresh(ctx, r0.RefreshToken, device)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.NotErrorIs(t, err, ErrReplayDetected)

	kinds := f.sink.kinds()
	assert.Contains(t, kinds, auditdomain.KindRefreshExpired)
	assert.NotContains(t, kinds, auditdomain.KindReplayDetected)

	fam, err := f.mgr.Family(ctx, r0.FamilyID)
	require.NoError(t, err)
	require.Len(t, fam, 1)
	assert.False(t, fam[0].IsRevoked, "expiry alone must not revoke")

	sib, err := f.mgr.Family(ctx, sibling.FamilyID)
	require.NoError(t, err)
	assert.False(t, sib[0].IsRevoked)

	// P3 holds on every later attempt too
	f.clock.advance(time.Minute)
	_, err = f.mgr.Refresh(ctx, r0.RefreshToken, device)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

// Scenario 3 and P5.
func TestLogoutAll_RevokesEveryFamily(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.login(t, "u1")
	b := f.login(t, "u1")
	other := f.login(t, "u2")
	assert.NotEqual(t, a.FamilyID, b.FamilyID)

	n, err := f.mgr.LogoutAll(ctx, "u1", "", device)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := f.repo.CountActive(ctx, "u1", f.clock.now())
	require.NoError(t, err)
	assert.Zero(t, count)

	for _, tok := range []*Tokens{a, b} {
		_, err := f.mgr.Refresh(ctx, tok.RefreshToken, device)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	}
	_, err = f.mgr.Refresh(ctx, other.RefreshToken, device)
	assert.NoError(t, err)
}

// Scenario 4: one active member per family at every step.
func TestRefresh_ChainKeepsSingleActiveMember(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r0 := f.login(t, "u1")

	tok := r0
	for i := 0; i < 2; i++ {
		f.clock.advance(time.Minute)
		next, err := f.mgr.Refresh(ctx, tok.RefreshToken, device)
		require.NoError(t, err)
		tok = next

		active, err := f.mgr.ListActive(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, tok.SessionID, active[0].ID)
	}

	fam, err := f.mgr.Family(ctx, r0.FamilyID)
	require.NoError(t, err)
	require.Len(t, fam, 3)
	now := f.clock.now()
	assert.Equal(t, domain.StateRotated, fam[0].State(now))
	assert.Equal(t, domain.StateRotated, fam[1].State(now))
	assert.Equal(t, domain.StateActive, fam[2].State(now))
	assert.Equal(t, fam[1].ID, fam[0].ReplacedBy)
	assert.Equal(t, fam[2].ID, fam[1].ReplacedBy)
	require.NotNil(t, fam[0].LastUsedAt)
}

// Scenario 5: a logged-out token is treated as replay and nothing is resurrected.
func TestLogout_ThenRefreshIsReplay(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	r0 := f.login(t, "u1")
	r1, err := f.mgr.Refresh(ctx, r0.RefreshToken, device)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, r1.RefreshToken, device))
	require.NoError(t, f.mgr.Logout(ctx, r1.RefreshToken, device), "logout is idempotent")

	_, err = f.mgr.Refresh(ctx, r1.RefreshToken, device)
	assert.ErrorIs(t, err, ErrReplayDetected)

	fam, err := f.mgr.Family(ctx, r0.FamilyID)
	require.NoError(t, err)
	require.Len(t, fam, 2)
	for _, s := range fam {
		assert.True(t, s.IsRevoked)
	}
	assert.Equal(t, domain.ReasonLogout, fam[1].RevocationReason)
}

func TestLogout_MalformedOrUnknownIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.mgr.Logout(context.Background(), "not a token", device))
	raw, _, err := security.NewRefreshCodec("").Generate()
	require.NoError(t, err)
	assert.NoError(t, f.mgr.Logout(context.Background(), raw, device))
	assert.Empty(t, f.sink.kinds())
}

func TestRefresh_MalformedAndUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.mgr.Refresh(ctx, "short", device)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrUnauthenticated)

	raw, _, err := security.NewRefreshCodec("").Generate()
	require.NoError(t, err)
	_, err = f.mgr.Refresh(ctx, raw, device)
	assert.ErrorIs(t, err, ErrSessionUnknown)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, []auditdomain.Kind{auditdomain.KindRefreshUnknown}, f.sink.kinds())
}

// Concurrent refresh of one token: exactly one caller wins and the losers poison the family.
func TestRefresh_ConcurrentRace(t *testing.T) {
	f := newFixture(t, Config{})
	r0 := f.login(t, "u1")

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		replays int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.mgr.Refresh(context.Background(), r0.RefreshToken, device)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrReplayDetected):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, replays)
	active, err := f.mgr.ListActive(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

// P4: after a family is revoked none of its members is active.
func TestFamilyCascade(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.login(t, "u1")
	_, err := f.mgr.Refresh(ctx, a.RefreshToken, device)
	require.NoError(t, err)
	b := f.login(t, "u1")

	_, err = f.repo.RevokeFamily(ctx, a.FamilyID, domain.ReasonAdmin, f.clock.now())
	require.NoError(t, err)

	active, err := f.mgr.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.FamilyID, active[0].FamilyID)
}

func TestOpen_SessionLimitRevokesOldestFamily(t *testing.T) {
	f := newFixture(t, Config{MaxActiveSessions: 2})
	ctx := context.Background()
	first := f.login(t, "u1")
	f.clock.advance(time.Second)
	second := f.login(t, "u1")
	f.clock.advance(time.Second)
	third := f.login(t, "u1")

	active, err := f.mgr.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.FamilyID, active[0].FamilyID)
	assert.Equal(t, third.FamilyID, active[1].FamilyID)

	fam, err := f.mgr.Family(ctx, first.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonSessionLimit, fam[0].RevocationReason)
	assert.Contains(t, f.sink.kinds(), auditdomain.KindSessionLimit)
}

type principals struct {
	role    string
	enabled bool
}

func (p principals) Lookup(context.Context, string) (string, bool, error) {
	return p.role, p.enabled, nil
}

func TestRefresh_DisabledPrincipalIsForbidden(t *testing.T) {
	f := newFixture(t, Config{})
	r0 := f.login(t, "u1")
	f.mgr.principals = principals{role: "technician", enabled: false}

	_, err := f.mgr.Refresh(context.Background(), r0.RefreshToken, device)
	assert.ErrorIs(t, err, ErrForbidden)

	// the token was not consumed
	f.mgr.principals = principals{role: "dispatcher", enabled: true}
	tok, err := f.mgr.Refresh(context.Background(), r0.RefreshToken, device)
	require.NoError(t, err)

	tp, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	id, err := tp.ValidateAccess(tok.AccessToken, f.clock.now())
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", id.Role)
	assert.Equal(t, tok.SessionID, id.SessionID)
}

type failingRepo struct {
	repository.Repository
}

var errDown = errors.New("connection refused")

func (failingRepo) FindByTokenHash(context.Context, string) (*domain.Session, error) {
	return nil, errDown
}

func (failingRepo) Create(context.Context, *domain.Session) error { return errDown }

func TestStoreFailuresAreInfrastructureErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.mgr.repo = failingRepo{f.repo}

	_, err := f.mgr.Open(context.Background(), "u1", "", device)
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.NotErrorIs(t, err, ErrUnauthenticated)

	raw, _, genErr := security.NewRefreshCodec("").Generate()
	require.NoError(t, genErr)
	_, err = f.mgr.Refresh(context.Background(), raw, device)
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.ErrorIs(t, err, errDown)

	assert.ErrorIs(t, f.mgr.Logout(context.Background(), raw, device), ErrInfrastructure)
}

// looseRepo answers every hash lookup with the same session, like a store whose index
// compares hashes case-insensitively or by prefix.
type looseRepo struct {
	*repository.MemoryRepository
	hit *domain.Session
}

func (r looseRepo) FindByTokenHash(context.Context, string) (*domain.Session, error) {
	cp := *r.hit
	return &cp, nil
}

func TestRefresh_StoredHashMustMatchPresentedToken(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	victim := f.login(t, "u1")
	fam, err := f.repo.FindByFamily(ctx, victim.FamilyID)
	require.NoError(t, err)
	require.Len(t, fam, 1)
	f.mgr.repo = looseRepo{MemoryRepository: f.repo, hit: fam[0]}

	other, _, err := security.NewRefreshCodec("").Generate()
	require.NoError(t, err)
	_, err = f.mgr.Refresh(ctx, other, device)
	assert.ErrorIs(t, err, ErrSessionUnknown)

	require.NoError(t, f.mgr.Logout(ctx, other, device))
	active, err := f.repo.FindActiveByUser(ctx, "u1", f.clock.now())
	require.NoError(t, err)
	assert.Len(t, active, 1, "a mismatched token must not revoke the session it collided with")

	_, err = f.mgr.Refresh(ctx, victim.RefreshToken, device)
	assert.NoError(t, err)
}
