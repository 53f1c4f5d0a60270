// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Access token formats.
const (
	TokenJWT    = "jwt"
	TokenPaseto = "paseto"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// MetricsAddr serves /metrics for Prometheus; empty disables the endpoint.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	Env         string `mapstructure:"APP_ENV"`

	// StoreDriver selects the session and credential store: postgres, sqlite or memory.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// DatabaseURL is the Postgres DSN; required when StoreDriver is postgres.
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns int32  `mapstructure:"DATABASE_MAX_CONNS"`
	SQLitePath       string `mapstructure:"SQLITE_PATH"`

	// AccessTokenFormat is jwt or paseto.
	AccessTokenFormat string `mapstructure:"ACCESS_TOKEN_FORMAT"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// PasetoSecretKeyHex is the hex-encoded v4 public-key secret.
	PasetoSecretKeyHex string `mapstructure:"PASETO_SECRET_KEY_HEX"`
	// AccessTTLRaw is the access token lifetime (e.g. "15m").
	AccessTTLRaw string `mapstructure:"ACCESS_TTL"`
	// RefreshTTLRaw is the refresh token lifetime (e.g. "168h").
	RefreshTTLRaw string `mapstructure:"REFRESH_TTL"`
	// RefreshTokenPepper is mixed into refresh token hashes. Changing it invalidates every session.
	RefreshTokenPepper string `mapstructure:"REFRESH_TOKEN_PEPPER"`
	// MaxActiveSessions caps active sessions per user; 0 means unbounded.
	MaxActiveSessions int `mapstructure:"MAX_ACTIVE_SESSIONS"`
	// PruneIntervalRaw runs the expired-session sweep in the server; empty or 0 disables it.
	PruneIntervalRaw string `mapstructure:"PRUNE_INTERVAL"`
	// PruneGraceRaw keeps expired rows this long after expiry for forensics.
	PruneGraceRaw string `mapstructure:"PRUNE_GRACE"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// RedisAddr enables the login throttle when set.
	RedisAddr             string `mapstructure:"REDIS_ADDR"`
	LoginMaxAttempts      int    `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginAttemptWindowRaw string `mapstructure:"LOGIN_ATTEMPT_WINDOW"`

	AuditBufferSize int `mapstructure:"AUDIT_BUFFER_SIZE"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`
	// AuditKafkaGroupID is the consumer group the worker drains the audit topic with.
	AuditKafkaGroupID string `mapstructure:"AUDIT_KAFKA_GROUP_ID"`

	// OTLPEndpoint enables OTLP export of traces, metrics and logs when set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv picks it up on Unmarshal.
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_MAX_CONNS", 10)
	v.SetDefault("SQLITE_PATH", "fieldops-auth.db")
	v.SetDefault("ACCESS_TOKEN_FORMAT", TokenJWT)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "fieldops-auth")
	v.SetDefault("JWT_AUDIENCE", "fieldops-api")
	v.SetDefault("PASETO_SECRET_KEY_HEX", "")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "168h") // 7d
	v.SetDefault("REFRESH_TOKEN_PEPPER", "")
	v.SetDefault("MAX_ACTIVE_SESSIONS", 0)
	v.SetDefault("PRUNE_INTERVAL", "")
	v.SetDefault("PRUNE_GRACE", "0s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_ATTEMPT_WINDOW", "15m")
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "fieldops-auth-audit")
	v.SetDefault("AUDIT_KAFKA_GROUP_ID", "fieldops-auth-audit-sink")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set when STORE_DRIVER=sqlite")
		}
	case StoreMemory:
		if c.Env == "production" {
			return errors.New("config: STORE_DRIVER=memory is not allowed when APP_ENV=production")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}

	c.AccessTokenFormat = strings.ToLower(strings.TrimSpace(c.AccessTokenFormat))
	switch c.AccessTokenFormat {
	case TokenJWT, TokenPaseto:
	default:
		return fmt.Errorf("config: unknown ACCESS_TOKEN_FORMAT %q", c.AccessTokenFormat)
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.MaxActiveSessions < 0 {
		return errors.New("config: MAX_ACTIVE_SESSIONS must not be negative")
	}
	if c.LoginMaxAttempts < 0 {
		return errors.New("config: LOGIN_MAX_ATTEMPTS must not be negative")
	}
	if c.AuditBufferSize <= 0 {
		return errors.New("config: AUDIT_BUFFER_SIZE must be positive")
	}
	if c.RefreshTokenPepper == "" && c.Env == "production" {
		return errors.New("config: REFRESH_TOKEN_PEPPER must be set when APP_ENV=production")
	}
	for key, raw := range map[string]string{
		"ACCESS_TTL":           c.AccessTTLRaw,
		"REFRESH_TTL":          c.RefreshTTLRaw,
		"PRUNE_INTERVAL":       c.PruneIntervalRaw,
		"PRUNE_GRACE":          c.PruneGraceRaw,
		"LOGIN_ATTEMPT_WINDOW": c.LoginAttemptWindowRaw,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			return fmt.Errorf("config: %s must be a non-negative duration, got %q", key, raw)
		}
	}
	return nil
}

// ValidateSigner checks that the key material for the chosen access token format is present.
// Only binaries that mint or verify access tokens need it.
func (c *Config) ValidateSigner() error {
	switch c.AccessTokenFormat {
	case TokenPaseto:
		if c.PasetoSecretKeyHex == "" {
			return errors.New("config: PASETO_SECRET_KEY_HEX must be set when ACCESS_TOKEN_FORMAT=paseto")
		}
	default:
		if c.JWTPrivateKey == "" || c.JWTPublicKey == "" {
			return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set when ACCESS_TOKEN_FORMAT=jwt")
		}
	}
	return nil
}

// AccessTTL parses AccessTTLRaw. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return positiveOr(c.AccessTTLRaw, 15*time.Minute)
}

// RefreshTTL parses RefreshTTLRaw. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return positiveOr(c.RefreshTTLRaw, 168*time.Hour)
}

// PruneInterval returns the in-process sweep interval, or 0 when the sweep is disabled.
func (c *Config) PruneInterval() time.Duration {
	return positiveOr(c.PruneIntervalRaw, 0)
}

// PruneGrace returns how long expired sessions are retained before pruning.
func (c *Config) PruneGrace() time.Duration {
	return positiveOr(c.PruneGraceRaw, 0)
}

// LoginAttemptWindow returns the failed-login counting window. Returns 15m if unset or invalid.
func (c *Config) LoginAttemptWindow() time.Duration {
	return positiveOr(c.LoginAttemptWindowRaw, 15*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka audit writer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func positiveOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
