package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sessiondomain "fieldops-auth/backend/internal/session/domain"
)

func newSessionsCmd(env *Env) *cobra.Command {
	c := &cobra.Command{
		Use:     "sessions",
		Short:   "Inspect sessions",
		Aliases: []string{"session"},
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "list <user-id>",
			Short: "List active sessions of a user",
			Args:  cobra.ExactArgs(1),
			RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
				sessions, err := env.Sessions.ListActive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
					return nil
				}
				return printSessions(cmd.OutOrStdout(), sessions, time.Now())
			}),
		},
		&cobra.Command{
			Use:   "family <family-id>",
			Short: "Show every session of a rotation family, oldest first",
			Args:  cobra.ExactArgs(1),
			RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
				sessions, err := env.Sessions.Family(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					return fmt.Errorf("family %s not found", args[0])
				}
				return printSessions(cmd.OutOrStdout(), sessions, time.Now())
			}),
		},
	)
	return c
}

func newLogoutAllCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout-all <user-id>",
		Short: "Revoke every session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
			n, err := env.Sessions.LogoutAll(cmd.Context(), args[0], sessiondomain.ReasonAdmin, operatorClient)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s)\n", n)
			return nil
		}),
	}
}

func newPruneCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions that expired before the configured grace period",
		Args:  cobra.NoArgs,
		RunE: withEnv(env, func(cmd *cobra.Command, _ []string) error {
			n, err := env.Sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d session(s)\n", n)
			return nil
		}),
	}
}

func printSessions(out io.Writer, sessions []*sessiondomain.Session, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFAMILY\tSTATE\tISSUED\tEXPIRES\tIP\tUSER AGENT")
	for _, s := range sessions {
		state := s.State(now).String()
		if s.RevocationReason != "" && s.RevocationReason != sessiondomain.ReasonRotation {
			state += " (" + string(s.RevocationReason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.FamilyID, state,
			s.IssuedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339),
			s.CreatedFromIP, s.CreatedFromUserAgent)
	}
	return tw.Flush()
}
