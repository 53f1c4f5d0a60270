package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"aidanwoods.dev/go-paseto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops-auth/backend/internal/config"
)

func ecPEM(t *testing.T) (priv, pub string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
}

func TestOpenStores_Memory(t *testing.T) {
	s, err := OpenStores(context.Background(), &config.Config{StoreDriver: config.StoreMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s.Sessions)
	assert.NotNil(t, s.Credentials)
	assert.Nil(t, s.Audit)
	assert.Nil(t, s.Pinger())
}

func TestOpenStores_SQLite(t *testing.T) {
	cfg := &config.Config{StoreDriver: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "auth.db")}
	s, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	p := s.Pinger()
	require.NotNil(t, p)
	assert.NoError(t, p.Ping(context.Background()))

	n, err := s.Sessions.CountActive(context.Background(), "nobody", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := OpenStores(context.Background(), &config.Config{StoreDriver: "mongo"})
	assert.Error(t, err)
}

func TestNewAccessIssuer_JWT(t *testing.T) {
	priv, pub := ecPEM(t)
	cfg := &config.Config{
		AccessTokenFormat: config.TokenJWT,
		JWTPrivateKey:     priv,
		JWTPublicKey:      pub,
		JWTIssuer:         "fieldops-auth",
		JWTAudience:       "fieldops-api",
		AccessTTLRaw:      "5m",
	}
	issuer, err := NewAccessIssuer(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, issuer.TTL())

	now := time.Now()
	tok, _, err := issuer.IssueAccess("sess-1", "user-1", "technician", now)
	require.NoError(t, err)
	id, err := issuer.ValidateAccess(tok, now)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
}

func TestNewAccessIssuer_Paseto(t *testing.T) {
	cfg := &config.Config{
		AccessTokenFormat:  config.TokenPaseto,
		PasetoSecretKeyHex: paseto.NewV4AsymmetricSecretKey().ExportHex(),
		JWTIssuer:          "fieldops-auth",
	}
	issuer, err := NewAccessIssuer(cfg)
	require.NoError(t, err)

	now := time.Now()
	tok, _, err := issuer.IssueAccess("sess-1", "user-1", "dispatcher", now)
	require.NoError(t, err)
	id, err := issuer.ValidateAccess(tok, now)
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", id.Role)
}

func TestNewAccessIssuer_MissingKeys(t *testing.T) {
	_, err := NewAccessIssuer(&config.Config{AccessTokenFormat: config.TokenJWT})
	assert.Error(t, err)
	_, err = NewAccessIssuer(&config.Config{AccessTokenFormat: config.TokenPaseto, PasetoSecretKeyHex: "zz"})
	assert.Error(t, err)
}

func TestNewRedisAndThrottle_Unconfigured(t *testing.T) {
	cfg := &config.Config{}
	client := NewRedis(cfg)
	assert.Nil(t, client)
	assert.Nil(t, NewThrottle(cfg, client))
}

func TestNewAuditPipeline_LogOnly(t *testing.T) {
	cfg := &config.Config{AuditBufferSize: 8}
	p := NewAuditPipeline(cfg, nil, nil, zerolog.Nop())
	require.NotNil(t, p)
	p.Close()
	assert.Zero(t, p.Failed())
}
