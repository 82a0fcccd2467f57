// Selfheal watches Sentry for unresolved errors and opens GitHub pull
// requests with model-proposed fixes.
//
// Usage:
//
//	# Run the scheduler and HTTP API
//	selfheal serve
//
//	# Register a tenant from the current checkout
//	SENTRY_TOKEN=... GITHUB_TOKEN=... selfheal tenant register --org acme --detect \
//	    --issue-credential env:SENTRY_TOKEN --code-host-credential env:GITHUB_TOKEN
//
//	# Run one poll cycle and exit
//	selfheal run-once
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "selfheal",
		Short: "Automated remediation of production errors",
		Long: `selfheal polls Sentry for unresolved errors, asks a language model for a fix,
validates the patch and opens a pull request on GitHub.

Configuration is read from ~/.config/selfheal/config.yaml and SELFHEAL_*
environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/selfheal/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newRunOnceCmd(),
		newWorkerCmd(),
		newTenantCmd(),
		newLedgerCmd(),
		newVersionCmd(),
	)
	return root
}

// withApp builds the app for one command invocation and closes it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
		}
	}()
	return fn(ctx, a)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("selfheal by Fyrsmith Labs\n")
			cmd.Printf("Version:    %s\n", version)
			cmd.Printf("Commit:     %s\n", gitCommit)
			cmd.Printf("Build Date: %s\n", buildDate)
		},
	}
}
