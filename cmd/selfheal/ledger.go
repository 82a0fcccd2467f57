package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the processed-issue ledger",
	}
	cmd.AddCommand(newLedgerListCmd())
	return cmd
}

func newLedgerListCmd() *cobra.Command {
	var tenantKey string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				records, err := a.ledger.List(ctx, tenantKey)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ISSUE\tOUTCOME\tRECORDED\tDETAIL")
				for _, rec := range records {
					detail := rec.PullRequestURL
					if detail == "" {
						detail = rec.Reason
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						rec.IssueID, rec.Outcome, rec.RecordedAt.Format(time.RFC3339), detail)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantKey, "tenant", "", "tenant key (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
