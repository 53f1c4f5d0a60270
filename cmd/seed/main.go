// seed registers development credentials for local testing.
// Idempotent: principals that already exist are left untouched.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/app"
	"fieldops-auth/backend/internal/config"
	identityservice "fieldops-auth/backend/internal/identity/service"
	"fieldops-auth/backend/internal/logging"
	"fieldops-auth/backend/internal/security"
)

type devPrincipal struct {
	principal string
	secret    string
	role      string
}

var devPrincipals = []devPrincipal{
	{principal: "dispatcher@example.com", secret: "dispatch-dev-2024!", role: "dispatcher"},
	{principal: "tech@example.com", secret: "field-tech-dev-2024!", role: "technician"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	if cfg.Env == "production" {
		l := zerolog.New(os.Stderr)
		l.Fatal().Msg("refusing to seed a production environment")
	}
	log, _ := logging.New(os.Stderr, cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open stores")
	}
	defer stores.Close()

	// Registration never opens a session, so no session manager is needed.
	auth := identityservice.NewAuthService(stores.Credentials, security.NewHasher(cfg.BcryptCost), nil, nil, nil, log)
	for _, p := range devPrincipals {
		userID, err := auth.Register(ctx, p.principal, p.secret, p.role)
		switch {
		case errors.Is(err, identityservice.ErrPrincipalAlreadyExists):
			log.Info().Str("principal", p.principal).Msg("already seeded")
		case err != nil:
			log.Fatal().Err(err).Str("principal", p.principal).Msg("seed")
		default:
			log.Info().Str("principal", p.principal).Str("user_id", userID).Str("role", p.role).Msg("seeded")
		}
	}
}
