package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage registered tenants",
	}
	cmd.AddCommand(newTenantRegisterCmd(), newTenantListCmd(), newTenantPruneCmd())
	return cmd
}

func newTenantRegisterCmd() *cobra.Command {
	var (
		reg    tenant.Registration
		detect bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or refresh a tenant",
		Long: `Register a tenant, or refresh the last-seen time of an existing one.

Credentials are given as references (env:NAME, file:/abs/path) or as raw
tokens, which are moved into the secret store.

Examples:
  # Register from the current git checkout
  selfheal tenant register --org acme --detect \
      --issue-credential env:SENTRY_TOKEN --code-host-credential env:GITHUB_TOKEN

  # Register a whole organization, restricted to two projects
  selfheal tenant register --org acme --project api --project web \
      --issue-credential env:SENTRY_TOKEN --code-host-credential env:GITHUB_TOKEN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if detect {
				if reg.Repository != "" {
					return fmt.Errorf("--detect and --repository are mutually exclusive")
				}
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				repo, err := tenant.DetectRepository(wd)
				if err != nil {
					return fmt.Errorf("detecting repository: %w", err)
				}
				reg.Repository = repo.FullName()
				cmd.Printf("Detected repository %s\n", reg.Repository)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cfg, err := a.registry.Register(ctx, reg)
				if err != nil {
					return err
				}
				cmd.Printf("Registered tenant %s\n", cfg.Key)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&reg.Org, "org", "", "Sentry organization slug (required)")
	f.StringVar(&reg.Endpoint, "endpoint", "", "Sentry API root (default "+tenant.DefaultIssueBaseURL+")")
	f.StringVar(&reg.IssueCredentialRef, "issue-credential", "", "Sentry token reference (env:NAME or file:/path)")
	f.StringVar(&reg.IssueToken, "issue-token", "", "raw Sentry token, stored in the secret store")
	f.StringVar(&reg.CodeHostCredentialRef, "code-host-credential", "", "GitHub token reference (env:NAME or file:/path)")
	f.StringVar(&reg.CodeHostToken, "code-host-token", "", "raw GitHub token, stored in the secret store")
	f.StringVar(&reg.Owner, "owner", "", "GitHub owner (default: the organization)")
	f.StringVar(&reg.Repository, "repository", "", "fixed repository, name or owner/name")
	f.StringSliceVar(&reg.Projects, "project", nil, "Sentry project slug (repeatable)")
	f.BoolVar(&detect, "detect", false, "infer the repository from the origin remote of the current git checkout")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				all, err := a.registry.List(ctx)
				if err != nil {
					return err
				}
				now := time.Now()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSTATE\tLAST SEEN\tWATERMARK\tFAILURES")
				for _, cfg := range all {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
						cfg.Key, tenantState(cfg, now, a.cfg.Scheduler.ActiveWindow),
						cfg.LastSeenAt.Format(time.RFC3339), formatTime(cfg.Watermark), cfg.FailureCount)
				}
				return tw.Flush()
			})
		},
	}
}

func newTenantPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete tenants past the expiry window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.registry.PruneExpired(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("Pruned %d tenants\n", n)
				return nil
			})
		},
	}
}

func tenantState(cfg tenant.Config, now time.Time, window time.Duration) string {
	switch {
	case cfg.BackingOff(now):
		return "backoff"
	case cfg.ActiveAt(now, window):
		return "active"
	default:
		return "inactive"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
