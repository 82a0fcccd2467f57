package main

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/codehost/github"
	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/events"
	"github.com/fyrsmithlabs/selfheal/internal/issues/sentry"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/oracle"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
	"github.com/fyrsmithlabs/selfheal/internal/scheduler"
	"github.com/fyrsmithlabs/selfheal/internal/store"
	"github.com/fyrsmithlabs/selfheal/internal/telemetry"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
	"github.com/fyrsmithlabs/selfheal/internal/workflows"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *tenant.Registry
	resolver *tenant.Resolver
	ledger   *ledger.Ledger

	closers []func() error
}

// newApp loads configuration and opens the stores. Network clients are
// built on demand by the commands that need them.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	a := &app{cfg: cfg, logger: logger, tel: tel}

	var (
		tenants tenant.Store
		records ledger.Store
	)
	switch cfg.Storage.Driver {
	case "file":
		fs, err := tenant.NewFileStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening tenant file: %w", err)
		}
		// The file driver keeps the ledger in memory; restarts reprocess
		// open issues only if their pull requests were never recorded.
		tenants, records = fs, ledger.NewMemoryStore()
	default:
		db, err := store.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening database %s: %w", cfg.Storage.Path, err)
		}
		a.closers = append(a.closers, db.Close)
		tenants, records = db, db
	}

	a.registry = tenant.NewRegistry(tenants, tenant.Options{
		ActiveWindow: cfg.Scheduler.ActiveWindow,
		ExpiryWindow: cfg.Scheduler.ExpiryWindow,
		MaxBackoff:   cfg.Scheduler.MaxBackoff,
	})
	a.resolver = tenant.NewResolver(a.registry.Secrets())
	a.ledger = ledger.New(records)

	logger.Debug(ctx, "app initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("engine", cfg.Pipeline.Engine),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.String("oracle", cfg.Oracle.Provider),
		logging.Secret("oracle_key", cfg.Oracle.APIKey))
	return a, nil
}

func (a *app) source() *sentry.Client {
	return sentry.NewClient(sentry.Config{
		Timeout:        a.cfg.Sentry.Timeout,
		RequestsPerSec: a.cfg.Sentry.RequestsPerSec,
		Query:          a.cfg.Sentry.Query,
		Limit:          a.cfg.Scheduler.IssuesPerPoll * 10,
	}, a.logger)
}

func (a *app) dialer() codehost.Dialer {
	retry := github.DefaultRetryConfig()
	retry.MaxRetries = a.cfg.GitHub.MaxRetries
	return github.Dialer(github.Config{
		BaseURL: a.cfg.GitHub.BaseURL,
		Timeout: a.cfg.GitHub.Timeout,
		Retry:   retry,
	}, a.logger)
}

// publisher connects to NATS when configured.
func (a *app) publisher(ctx context.Context) events.Publisher {
	if a.cfg.NATS.URL == "" {
		return events.Nop{}
	}
	p, err := events.Connect(a.cfg.NATS.URL, a.cfg.NATS.Subject)
	if err != nil {
		a.logger.Warn(ctx, "nats unavailable, outcome events disabled", zap.Error(err))
		return events.Nop{}
	}
	a.closers = append(a.closers, p.Close)
	return p
}

// runner builds the in-process pipeline.
func (a *app) runner(ctx context.Context, src *sentry.Client) (*pipeline.Runner, error) {
	llm, err := oracle.FromConfig(a.cfg.Oracle, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating oracle: %w", err)
	}
	return pipeline.NewRunner(pipeline.Deps{
		Source: src,
		Ledger: a.ledger,
		Oracle: llm,
		Events: a.publisher(ctx),
		Logger: a.logger,
	}, pipeline.OptionsFromConfig(a.cfg.Pipeline, a.cfg.Oracle))
}

func (a *app) temporalClient() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  a.cfg.Temporal.HostPort,
		Namespace: a.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	a.closers = append(a.closers, func() error { c.Close(); return nil })
	return c, nil
}

// dispatcher returns the engine configured in pipeline.engine.
func (a *app) dispatcher(ctx context.Context, src *sentry.Client) (pipeline.Dispatcher, error) {
	if a.cfg.Pipeline.Engine == "temporal" {
		c, err := a.temporalClient()
		if err != nil {
			return nil, err
		}
		return workflows.NewDispatcher(c, a.cfg.Temporal.TaskQueue, a.logger), nil
	}
	return a.runner(ctx, src)
}

func (a *app) scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	src := a.source()
	d, err := a.dispatcher(ctx, src)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Deps{
		Registry:   a.registry,
		Resolver:   a.resolver,
		Source:     src,
		Dial:       a.dialer(),
		Ledger:     a.ledger,
		Dispatcher: d,
		Logger:     a.logger,
	}, scheduler.Options{
		Schedule:      a.cfg.Scheduler.Schedule,
		Workers:       a.cfg.Scheduler.Workers,
		IssuesPerPoll: a.cfg.Scheduler.IssuesPerPoll,
		OverrideFiles: a.cfg.Pipeline.OverrideFiles,
	})
}

// Close releases stores and connections in reverse order, then flushes
// telemetry and the logger.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
