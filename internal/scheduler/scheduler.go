// Package scheduler is the periodic driver. Each cycle prunes expired
// tenants, then polls every active tenant in a bounded worker pool and
// hands new issues to a pipeline.Dispatcher, oldest first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

const (
	DefaultSchedule = "@every 5m"
	DefaultWorkers  = 4
)

// Deps are the scheduler's collaborators.
type Deps struct {
	Registry   *tenant.Registry
	Resolver   *tenant.Resolver
	Source     issues.Source
	Dial       codehost.Dialer
	Ledger     *ledger.Ledger
	Dispatcher pipeline.Dispatcher
	Logger     *logging.Logger
}

// Options tunes the scheduler.
type Options struct {
	// Schedule is a cron expression or descriptor such as "@every 5m".
	Schedule string
	Workers  int
	// IssuesPerPoll caps dispatches per tenant and cycle. Zero is unbounded.
	IssuesPerPoll int
	// OverrideFiles enables per-repository override files.
	OverrideFiles bool
}

// Report summarizes one cycle.
type Report struct {
	Pruned   int
	Polled   int
	Deferred int
	Errors   int
	Outcomes map[pipeline.Status]int
}

// Scheduler drives poll cycles.
type Scheduler struct {
	deps     Deps
	opts     Options
	schedule cron.Schedule
	logger   *logging.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler.
func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Registry == nil || deps.Resolver == nil || deps.Source == nil ||
		deps.Dial == nil || deps.Ledger == nil || deps.Dispatcher == nil {
		return nil, errors.New("scheduler: missing dependency")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	schedule, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", opts.Schedule, err)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Scheduler{
		deps:     deps,
		opts:     opts,
		schedule: schedule,
		logger:   deps.Logger.Named("scheduler"),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Run performs a cycle immediately, then one per schedule tick, until ctx
// is cancelled. Ticks that arrive while a cycle is still running are
// skipped. Run returns once the running cycle has wound down.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler started",
		zap.String("schedule", s.opts.Schedule),
		zap.Int("workers", s.opts.Workers))

	cl := cronLogger{s: s.logger.Underlying().Sugar()}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.RunCycle(ctx)
	}))

	job.Run()

	c := cron.New(cron.WithLogger(cl))
	c.Schedule(s.schedule, job)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info(context.WithoutCancel(ctx), "scheduler stopped")
	return nil
}

// RunCycle performs one cycle. It never fails as a whole: store and tenant
// errors are logged and counted in the report.
func (s *Scheduler) RunCycle(ctx context.Context) Report {
	start := time.Now()
	report := Report{Outcomes: make(map[pipeline.Status]int)}
	defer func() {
		CyclesTotal.Inc()
		CycleDuration.Observe(time.Since(start).Seconds())
	}()

	if ctx.Err() != nil {
		return report
	}

	pruned, err := s.deps.Registry.PruneExpired(ctx)
	if err != nil {
		s.logger.Error(ctx, "prune expired tenants failed", zap.Error(err))
		report.Errors++
	}
	report.Pruned = pruned
	TenantsPruned.Add(float64(pruned))

	active, err := s.deps.Registry.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, "list active tenants failed", zap.Error(err))
		report.Errors++
		return report
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.opts.Workers)
	now := time.Now()
	for _, cfg := range active {
		if ctx.Err() != nil {
			break
		}
		if cfg.BackingOff(now) {
			TenantPolls.WithLabelValues("backoff").Inc()
			report.Deferred++
			continue
		}
		if !s.acquire(cfg.Key) {
			TenantPolls.WithLabelValues("busy").Inc()
			report.Deferred++
			continue
		}

		g.Go(func() error {
			defer s.release(cfg.Key)
			res := s.pollTenant(ctx, cfg)

			mu.Lock()
			defer mu.Unlock()
			report.Polled++
			if res.err != nil {
				report.Errors++
			}
			for status, n := range res.outcomes {
				report.Outcomes[status] += n
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info(ctx, "cycle complete",
		zap.Int("tenants", len(active)),
		zap.Int("polled", report.Polled),
		zap.Int("deferred", report.Deferred),
		zap.Int("pruned", report.Pruned),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", time.Since(start)))
	return report
}

func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	TenantsInFlight.Inc()
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	TenantsInFlight.Dec()
}
