package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/session/repository"
)

// Sweeper deletes session rows whose expiry lies further in the past than Grace.
// Rows that are still valid are never touched, so it is safe alongside live traffic.
type Sweeper struct {
	repo    repository.Repository
	grace   time.Duration
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewSweeper returns a Sweeper. A negative grace is treated as zero.
func NewSweeper(repo repository.Repository, grace time.Duration, metrics *Metrics, log zerolog.Logger) *Sweeper {
	if grace < 0 {
		grace = 0
	}
	return &Sweeper{
		repo:    repo,
		grace:   grace,
		metrics: metrics,
		log:     log.With().Str("component", "session-sweeper").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// RunOnce prunes once and returns the number of rows removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "session.Prune")
	defer span.End()

	cutoff := s.now().Add(-s.grace)
	n, err := s.repo.PruneExpired(ctx, cutoff)
	if err != nil {
		return 0, fail(span, infra("prune sessions", err))
	}
	s.metrics.prunedRows(n)
	s.log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("pruned expired sessions")
	return n, nil
}

// Run prunes immediately and then every interval until ctx is done. Errors are logged
// and the next tick tries again.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("prune failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
