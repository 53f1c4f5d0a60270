// Package app wires configuration into stores, token issuers and the audit pipeline for
// the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"fieldops-auth/backend/internal/audit"
	auditrepo "fieldops-auth/backend/internal/audit/repository"
	"fieldops-auth/backend/internal/config"
	"fieldops-auth/backend/internal/db"
	healthhandler "fieldops-auth/backend/internal/health/handler"
	"fieldops-auth/backend/internal/identity/limiter"
	identityrepo "fieldops-auth/backend/internal/identity/repository"
	identityservice "fieldops-auth/backend/internal/identity/service"
	"fieldops-auth/backend/internal/security"
	sessionrepo "fieldops-auth/backend/internal/session/repository"
)

// accessClockSkew is tolerated when verifying PASETO access tokens across instances.
const accessClockSkew = 30 * time.Second

// Stores holds the session and credential stores for the configured driver.
type Stores struct {
	Driver      string
	Sessions    sessionrepo.Repository
	Credentials identityrepo.Repository
	// Audit is set only for the postgres driver.
	Audit *auditrepo.PostgresRepository

	pool  *pgxpool.Pool
	sqlDB *sql.DB
}

// OpenStores connects the stores selected by cfg.StoreDriver. Call Close when done.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{Driver: cfg.StoreDriver}
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		s.Sessions = sessionrepo.NewPostgresRepository(pool)
		s.Credentials = identityrepo.NewPostgresRepository(pool)
		s.Audit = auditrepo.NewPostgresRepository(pool)
	case config.StoreSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.sqlDB = conn
		s.Sessions = sessionrepo.NewSQLiteRepository(conn)
		s.Credentials = identityrepo.NewSQLiteRepository(conn)
	case config.StoreMemory:
		s.Sessions = sessionrepo.NewMemoryRepository()
		s.Credentials = identityrepo.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return s, nil
}

// Pinger returns a readiness probe for the backing database, or nil for the memory driver.
func (s *Stores) Pinger() healthhandler.Pinger {
	switch {
	case s.pool != nil:
		return s.pool
	case s.sqlDB != nil:
		return healthhandler.PingFunc(s.sqlDB.PingContext)
	default:
		return nil
	}
}

// Close releases database connections.
func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
}

// NewAccessIssuer builds the JWT or PASETO access token issuer selected by cfg.
func NewAccessIssuer(cfg *config.Config) (security.AccessTokenIssuer, error) {
	if err := cfg.ValidateSigner(); err != nil {
		return nil, err
	}
	switch cfg.AccessTokenFormat {
	case config.TokenPaseto:
		p, err := security.NewPasetoProvider(cfg.PasetoSecretKeyHex, cfg.JWTIssuer, cfg.AccessTTL(), accessClockSkew)
		if err != nil {
			return nil, fmt.Errorf("paseto key: %w", err)
		}
		return p, nil
	default:
		signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("jwt keys: %w", err)
		}
		return security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL()), nil
	}
}

// NewRedis returns a client for cfg.RedisAddr, or nil when the login throttle is not configured.
func NewRedis(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// NewThrottle returns the Redis login limiter, or nil when Redis is not configured.
func NewThrottle(cfg *config.Config, client *redis.Client) identityservice.Throttle {
	if client == nil {
		return nil
	}
	return limiter.New(client, cfg.LoginMaxAttempts, cfg.LoginAttemptWindow())
}

// AuditPipeline is the dispatcher plus the writers it owns.
type AuditPipeline struct {
	*audit.Dispatcher
	kafka *audit.KafkaWriter
}

// NewAuditPipeline fans audit events out to the log, the OTel log pipeline when lp is set,
// and Kafka when brokers are configured. Without Kafka, events go straight to the Postgres
// audit table; with Kafka the worker persists them.
func NewAuditPipeline(cfg *config.Config, stores *Stores, lp *sdklog.LoggerProvider, log zerolog.Logger) *AuditPipeline {
	writers := audit.MultiWriter{audit.NewLogWriter(log)}
	if w := audit.NewOTelWriter(lp); w != nil {
		writers = append(writers, w)
	}
	kw := audit.NewKafkaWriter(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	switch {
	case kw != nil:
		writers = append(writers, kw)
	case stores != nil && stores.Audit != nil:
		writers = append(writers, stores.Audit)
	}
	d := audit.NewDispatcher(audit.Config{BufferSize: cfg.AuditBufferSize, DropIfFull: true}, writers, log)
	return &AuditPipeline{Dispatcher: d, kafka: kw}
}

// Close drains queued events and closes the Kafka writer.
func (p *AuditPipeline) Close() {
	p.Dispatcher.Close()
	_ = p.kafka.Close()
}
