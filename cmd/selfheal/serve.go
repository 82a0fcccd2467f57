package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fyrsmithlabs/selfheal/internal/http"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
	"github.com/fyrsmithlabs/selfheal/internal/workflows"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Run the poll scheduler and the HTTP API until interrupted.

With pipeline.engine set to "temporal", a remediation worker runs in the
same process; start additional workers with "selfheal worker".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, runServe)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	sched, err := a.scheduler(ctx)
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(a.registry, a.ledger, a.logger.Underlying(), &httpserver.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		IntakeToken: a.cfg.Server.IntakeToken,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	a.logger.Info(ctx, "selfheal starting",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.String("engine", a.cfg.Pipeline.Engine),
		zap.String("schedule", a.cfg.Scheduler.Schedule))

	if a.cfg.Pipeline.Engine == "temporal" {
		w, err := a.worker(ctx)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		defer w.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info(context.WithoutCancel(ctx), "selfheal stopped")
	return err
}

// worker creates a Temporal worker running remediation activities with an
// in-process pipeline.
func (a *app) worker(ctx context.Context) (worker.Worker, error) {
	c, err := a.temporalClient()
	if err != nil {
		return nil, err
	}
	src := a.source()
	runner, err := a.runner(ctx, src)
	if err != nil {
		return nil, err
	}

	w := worker.New(c, a.cfg.Temporal.TaskQueue, worker.Options{})
	workflows.Register(w, &workflows.Activities{
		Registry: a.registry,
		Resolver: a.resolver,
		Dial:     a.dialer(),
		Ledger:   a.ledger,
		Runner:   runner,
	})
	a.logger.Info(ctx, "worker configured", zap.String("task_queue", a.cfg.Temporal.TaskQueue))
	return w, nil
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the Temporal remediation worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.cfg.Temporal.HostPort == "" {
					return fmt.Errorf("temporal.host_port is not configured")
				}
				w, err := a.worker(ctx)
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return fmt.Errorf("starting worker: %w", err)
				}
				<-ctx.Done()
				w.Stop()
				a.logger.Info(context.WithoutCancel(ctx), "worker stopped gracefully")
				return nil
			})
		},
	}
}

func newRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single poll cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sched, err := a.scheduler(ctx)
				if err != nil {
					return err
				}
				start := time.Now()
				report := sched.RunCycle(ctx)
				cmd.Printf("polled %d tenants (%d deferred, %d pruned, %d errors) in %s\n",
					report.Polled, report.Deferred, report.Pruned, report.Errors,
					time.Since(start).Round(time.Millisecond))
				for _, status := range []pipeline.Status{
					pipeline.StatusDone, pipeline.StatusSkipped, pipeline.StatusFailed, pipeline.StatusDuplicate,
				} {
					if n := report.Outcomes[status]; n > 0 {
						cmd.Printf("  %-9s %d\n", status, n)
					}
				}
				return nil
			})
		},
	}
}
