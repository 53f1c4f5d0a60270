package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fieldops-auth/backend/internal/app"
	auditdomain "fieldops-auth/backend/internal/audit/domain"
	"fieldops-auth/backend/internal/config"
	identityservice "fieldops-auth/backend/internal/identity/service"
	"fieldops-auth/backend/internal/logging"
	"fieldops-auth/backend/internal/security"
	sessiondomain "fieldops-auth/backend/internal/session/domain"
	sessionservice "fieldops-auth/backend/internal/session/service"
)

// operatorClient tags audit events raised from the CLI.
var operatorClient = sessiondomain.Client{IP: "local", UserAgent: "authctl"}

// AuditLister reads persisted audit events. The Postgres audit repository implements it.
type AuditLister interface {
	ListByUser(ctx context.Context, userID string, limit int32) ([]*auditdomain.Event, error)
}

// Env is what subcommands operate on. Tests inject a prepared Env; otherwise it is built
// from the environment on first use.
type Env struct {
	Config   *config.Config
	Log      zerolog.Logger
	Sweeper  *sessionservice.Sweeper
	Sessions *sessionservice.Manager
	Auth     *identityservice.AuthService
	Audit    AuditLister

	stores *app.Stores
}

// open loads config and connects the stores unless the Env was injected.
func (e *Env) open(ctx context.Context) error {
	if e.Sessions != nil {
		return nil
	}
	if e.Config == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		e.Config = cfg
	}
	stores, err := app.OpenStores(ctx, e.Config)
	if err != nil {
		return err
	}
	e.stores = stores
	e.Sessions = sessionservice.NewManager(
		stores.Sessions,
		security.NewRefreshCodec(e.Config.RefreshTokenPepper),
		nil, // never mints access tokens
		identityservice.NewPrincipals(stores.Credentials),
		nil, nil, e.Log,
		sessionservice.Config{RefreshTTL: e.Config.RefreshTTL(), MaxActiveSessions: e.Config.MaxActiveSessions},
	)
	e.Auth = identityservice.NewAuthService(stores.Credentials, security.NewHasher(e.Config.BcryptCost), e.Sessions, nil, nil, e.Log)
	e.Sweeper = sessionservice.NewSweeper(stores.Sessions, e.Config.PruneGrace(), nil, e.Log)
	if stores.Audit != nil {
		e.Audit = stores.Audit
	}
	return nil
}

func (e *Env) close() {
	if e.stores != nil {
		e.stores.Close()
	}
}

// NewRootCmd builds the command tree over env. A nil env is built from the environment.
func NewRootCmd(env *Env) *cobra.Command {
	if env == nil {
		log, _ := logging.New(os.Stderr, os.Getenv("LOG_LEVEL"), true)
		env = &Env{Log: log}
	}
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "authctl manages sessions and principals of the fieldops auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			env.close()
		},
	}
	root.AddCommand(
		newMigrateCmd(env),
		newSessionsCmd(env),
		newLogoutAllCmd(env),
		newPruneCmd(env),
		newPrincipalCmd(env),
		newHashSecretCmd(env),
		newAuditCmd(env),
	)
	return root
}

// withEnv adapts a RunE that needs connected stores.
func withEnv(env *Env, run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := env.open(cmd.Context()); err != nil {
			return err
		}
		return run(cmd, args)
	}
}

// Execute runs authctl and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		os.Exit(1)
	}
}
