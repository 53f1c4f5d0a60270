package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldops-auth/backend/internal/security"
)

func newPrincipalCmd(env *Env) *cobra.Command {
	c := &cobra.Command{
		Use:   "principal",
		Short: "Manage principals",
	}
	register := &cobra.Command{
		Use:   "register <principal>",
		Short: "Create a principal; the secret is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			secret, err := readSecret(cmd)
			if err != nil {
				return err
			}
			userID, err := env.Auth.Register(cmd.Context(), args[0], secret, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), userID)
			return nil
		}),
	}
	register.Flags().String("role", "technician", "role carried in access tokens")

	c.AddCommand(register, setEnabledCmd(env, true), setEnabledCmd(env, false))
	return c
}

func setEnabledCmd(env *Env, enabled bool) *cobra.Command {
	use, short := "enable", "Allow a principal to sign in again"
	if !enabled {
		use, short = "disable", "Block a principal and revoke all of its sessions"
	}
	return &cobra.Command{
		Use:   use + " <principal>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
			if err := env.Auth.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
			return nil
		}),
	}
}

func newHashSecretCmd(env *Env) *cobra.Command {
	c := &cobra.Command{
		Use:   "hash-secret",
		Short: "Print a bcrypt hash of the secret read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cost, _ := cmd.Flags().GetInt("cost")
			secret, err := readSecret(cmd)
			if err != nil {
				return err
			}
			hash, err := security.NewHasher(cost).Hash([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	c.Flags().Int("cost", 12, "bcrypt cost")
	return c
}

// readSecret reads the first line of stdin.
func readSecret(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return "", errors.New("empty secret")
	}
	return line, nil
}
