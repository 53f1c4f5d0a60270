// Package handler drives the standard gRPC health service from readiness probes of the
// backing stores.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger checks that a dependency is reachable (e.g. *pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger, e.g. (*sql.DB).PingContext.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type probe struct {
	name string
	p    Pinger
}

// Checker pings its dependencies and publishes SERVING or NOT_SERVING for the overall
// server and each named service.
type Checker struct {
	srv      *health.Server
	services []string
	probes   []probe
	timeout  time.Duration
	log      zerolog.Logger
}

// NewChecker returns a Checker that updates srv. services are the gRPC service names whose
// status follows readiness; the empty overall name is always included.
func NewChecker(srv *health.Server, log zerolog.Logger, services ...string) *Checker {
	return &Checker{
		srv:      srv,
		services: append([]string{""}, services...),
		timeout:  2 * time.Second,
		log:      log.With().Str("component", "health").Logger(),
	}
}

// Add registers a dependency. A nil pinger is ignored, so an in-memory store needs no probe.
func (c *Checker) Add(name string, p Pinger) {
	if p == nil {
		return
	}
	c.probes = append(c.probes, probe{name: name, p: p})
}

// Check pings every dependency once and updates the serving status.
func (c *Checker) Check(ctx context.Context) error {
	var errs []error
	for _, pr := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := pr.p.Ping(pctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pr.name, err))
		}
		cancel()
	}
	err := errors.Join(errs...)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		c.log.Warn().Err(err).Msg("readiness check failed")
	}
	for _, svc := range c.services {
		c.srv.SetServingStatus(svc, st)
	}
	return err
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	_ = c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Check(ctx)
		}
	}
}
