package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fieldops-auth/backend/internal/config"
	"fieldops-auth/backend/internal/db/migrate"
)

func newMigrateCmd(env *Env) *cobra.Command {
	dsn := func() (string, error) {
		if env.Config == nil {
			cfg, err := config.Load()
			if err != nil {
				return "", err
			}
			env.Config = cfg
		}
		if env.Config.DatabaseURL == "" {
			return "", errors.New("DATABASE_URL is not set")
		}
		return env.Config.DatabaseURL, nil
	}

	c := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the Postgres schema",
	}
	for _, direction := range []string{"up", "down"} {
		c.AddCommand(&cobra.Command{
			Use:   direction,
			Short: "Migrate " + direction,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				url, err := dsn()
				if err != nil {
					return err
				}
				return migrate.Run(url, direction)
			},
		})
	}
	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			v, dirty, err := migrate.Version(url)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	})
	return c
}
