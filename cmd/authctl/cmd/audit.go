package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(env *Env) *cobra.Command {
	c := &cobra.Command{
		Use:   "audit <user-id>",
		Short: "Show recent security events of a user (postgres store only)",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string) error {
			if env.Audit == nil {
				return errors.New("audit events are persisted only with STORE_DRIVER=postgres")
			}
			limit, _ := cmd.Flags().GetInt32("limit")
			events, err := env.Audit.ListByUser(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tSESSION\tFAMILY\tIP\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.OccurredAt.Format(time.RFC3339), e.Kind, e.SessionID, e.FamilyID, e.IP, e.Detail)
			}
			return tw.Flush()
		}),
	}
	c.Flags().Int32("limit", 50, "maximum number of events")
	return c
}
