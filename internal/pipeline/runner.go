// Package pipeline runs one issue through the remediation state machine:
// dedup, event, context, base, oracle, apply, validate, publish and record.
//
// Every run ends in exactly one Outcome. Done and Skipped are recorded in
// the ledger before Run returns; Failed is never recorded so the issue is
// retried on a later cycle. A ledger hit short-circuits the run before any
// other call is made.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/contextpack"
	"github.com/fyrsmithlabs/selfheal/internal/events"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/oracle"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
	"github.com/fyrsmithlabs/selfheal/internal/publish"
	"github.com/fyrsmithlabs/selfheal/internal/validate"
	"github.com/fyrsmithlabs/selfheal/pkg/secrets"
)

const (
	DefaultMaxAttempts  = 2
	DefaultStageTimeout = 5 * time.Minute
)

// errShutdown is returned by stage when the run context ended between
// stages.
var errShutdown = errors.New("pipeline: shutting down")

// Deps are the collaborators shared by every run.
type Deps struct {
	Source issues.Source
	Ledger *ledger.Ledger
	Oracle oracle.Oracle
	// Events defaults to events.Nop.
	Events events.Publisher
	// Scanner is used for redaction and the secrets gate when a repository
	// has no allowlist of its own. Defaults to the stock gitleaks rules.
	Scanner *secrets.Scanner
	Logger  *logging.Logger
}

// Options tunes runs.
type Options struct {
	MaxFrames       int
	WindowLines     int
	MatchThreshold  float64
	MinSizeRatio    float64
	SkipSecretsGate bool
	BaseBranch      string
	BranchPrefix    string
	PullRequestNote string
	// MaxAttempts bounds oracle calls per run, re-prompting with the
	// previous rejections.
	MaxAttempts int
	// StageTimeout bounds each stage. A stage is never interrupted by the
	// run context; cancellation is observed between stages.
	StageTimeout time.Duration
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(p config.PipelineConfig, o config.OracleConfig) Options {
	return Options{
		MaxFrames:       p.MaxFrames,
		WindowLines:     p.WindowLines,
		MatchThreshold:  p.MatchThreshold,
		MinSizeRatio:    p.MinSizeRatio,
		SkipSecretsGate: p.SkipSecretsGate,
		BaseBranch:      p.BaseBranch,
		BranchPrefix:    p.BranchPrefix,
		PullRequestNote: p.PullRequestNote,
		MaxAttempts:     o.MaxAttempts,
	}
}

// Runner executes the pipeline in process. It is safe for concurrent use
// across different issues.
type Runner struct {
	deps      Deps
	opts      Options
	validator *validate.Validator
	tracer    trace.Tracer
	metrics   *metrics
	logger    *logging.Logger
}

var _ Dispatcher = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Source == nil || deps.Ledger == nil || deps.Oracle == nil {
		return nil, errors.New("pipeline: source, ledger and oracle are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Scanner == nil {
		scanner, err := secrets.NewScanner(nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		deps.Scanner = scanner
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	logger := deps.Logger.Named("pipeline")
	return &Runner{
		deps:      deps,
		opts:      opts,
		validator: validate.New(validate.Options{MinSizeRatio: opts.MinSizeRatio}),
		tracer:    otel.Tracer(instrumentationName),
		metrics:   newMetrics(logger.Underlying()),
		logger:    logger,
	}, nil
}

// Dispatch implements Dispatcher.
func (r *Runner) Dispatch(ctx context.Context, t Target, issue issues.Issue) Outcome {
	return r.Run(ctx, t, issue)
}

// Run processes one issue to a terminal outcome.
func (r *Runner) Run(ctx context.Context, t Target, issue issues.Issue) Outcome {
	runID := uuid.NewString()
	ctx = logging.WithTenantKey(ctx, t.Tenant.Key)
	ctx = logging.WithIssueID(ctx, issue.ID)
	ctx = logging.WithRunID(ctx, runID)

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("tenant.key", t.Tenant.Key),
		attribute.String("issue.id", issue.ID),
		attribute.String("repo", t.Repo.String()),
	))
	defer span.End()

	out := r.run(ctx, t, issue)
	out.RunID = runID
	out = r.finish(ctx, t, issue, out)

	span.SetAttributes(
		attribute.String("outcome", string(out.Status)),
		attribute.String("reason", out.Reason),
	)
	if out.Status == StatusFailed {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

// run is the state machine proper. It never touches the ledger except for
// the dedup check.
func (r *Runner) run(ctx context.Context, t Target, issue issues.Issue) Outcome {
	var seen bool
	err := r.stage(ctx, StageDedup, func(ctx context.Context) error {
		var err error
		seen, err = r.deps.Ledger.Seen(ctx, t.Tenant.Key, issue.ID)
		return err
	})
	if err != nil {
		return failed(StageDedup, ReasonLedger, err)
	}
	if seen {
		return Outcome{Status: StatusDuplicate, Reason: ReasonAlreadyProcessed, Stage: StageDedup}
	}

	if len(issue.Frames) == 0 {
		err = r.stage(ctx, StageEvent, func(ctx context.Context) error {
			ev, err := r.deps.Source.FetchEvent(ctx, t.Endpoint, issue.ID)
			if err != nil {
				return err
			}
			issue.Frames = ev.Frames
			if issue.Release == "" {
				issue.Release = ev.Release
			}
			if issue.CommitSHA == "" {
				issue.CommitSHA = ev.CommitSHA
			}
			return nil
		})
		switch {
		case errors.Is(err, issues.ErrNotFound):
			return skipped(StageEvent, ReasonIssueGone, err.Error())
		case err != nil:
			return failed(StageEvent, ReasonIssueSource, err)
		}
	}

	var pack *contextpack.Pack
	err = r.stage(ctx, StageContext, func(ctx context.Context) error {
		builder := contextpack.NewBuilder(t.Host, contextpack.Options{
			MaxFrames:   r.opts.MaxFrames,
			WindowLines: r.opts.WindowLines,
		}, r.logger)
		var err error
		pack, err = builder.Build(ctx, t.Repo, issue)
		return err
	})
	switch {
	case errors.Is(err, contextpack.ErrNoContext):
		return skipped(StageContext, ReasonNoContext, "")
	case err != nil:
		return failed(StageContext, ReasonCodeHost, err)
	}

	pub := publish.New(t.Host, publish.Options{
		BranchPrefix: r.opts.BranchPrefix,
		BaseBranch:   r.opts.BaseBranch,
		Note:         r.opts.PullRequestNote,
	}, r.logger)

	var (
		base    publish.Base
		scanner *secrets.Scanner
	)
	err = r.stage(ctx, StageBase, func(ctx context.Context) error {
		var err error
		if base, err = pub.Base(ctx, t.Repo); err != nil {
			return err
		}
		scanner, err = r.scannerFor(ctx, t, base.SHA)
		return err
	})
	if err != nil {
		return failed(StageBase, ReasonCodeHost, err)
	}
	if n := pack.Redact(scanner); n > 0 {
		r.metrics.recordRedactions(ctx, n)
		r.logger.Info(ctx, "secrets redacted from context", zap.Int("count", n))
	}

	validator := r.validator
	if !r.opts.SkipSecretsGate {
		validator = validator.WithSecrets(scanner)
	}

	var (
		failures  []string
		malformed bool
	)
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		var res oracle.Result
		err = r.stage(ctx, StageOracle, func(ctx context.Context) error {
			var err error
			res, err = r.deps.Oracle.Propose(ctx, oracle.Request{Pack: pack, PriorFailures: failures})
			return err
		})
		if err != nil {
			if errors.Is(err, errShutdown) {
				return failed(StageOracle, ReasonShutdown, err)
			}
			out := skipped(StageOracle, ReasonOracleFailure, err.Error())
			out.Attempts = attempt
			return out
		}

		switch res.Kind {
		case oracle.KindNoFix:
			out := skipped(StageOracle, ReasonNoFix, res.Reason)
			out.Attempts = attempt
			return out
		case oracle.KindMalformed:
			malformed = true
			why := res.Reason
			if res.Err != nil {
				why = res.Err.Error()
			}
			failures = append(failures, "reply was not valid: "+why)
			r.logger.Info(ctx, "oracle reply malformed",
				zap.Int("attempt", attempt),
				zap.String("reason", why))
			continue
		}
		malformed = false

		pr, rejections, out := r.trySets(ctx, t, issue, pack, base, pub, validator, res.Sets)
		if out != nil {
			out.Attempts = attempt
			return *out
		}
		if pr != nil {
			return Outcome{Status: StatusDone, Stage: StagePublish, PullRequest: pr, Attempts: attempt}
		}
		failures = append(failures, rejections...)
	}

	var detail string
	if len(failures) > 0 {
		detail = failures[len(failures)-1]
	}
	reason := ReasonNoValidPatch
	if malformed {
		reason = ReasonOracleFailure
	}
	out := skipped(StageValidate, reason, detail)
	if malformed {
		out.Stage = StageOracle
	}
	out.Attempts = r.opts.MaxAttempts
	return out
}

// trySets applies and validates sets in rank order and publishes the first
// accepted one. It returns the pull request, or the rejections when none
// was accepted, or a terminal outcome when a stage failed.
func (r *Runner) trySets(
	ctx context.Context,
	t Target,
	issue issues.Issue,
	pack *contextpack.Pack,
	base publish.Base,
	pub *publish.Publisher,
	validator *validate.Validator,
	sets []patch.Set,
) (*codehost.PullRequest, []string, *Outcome) {
	var rejections []string
	for i, set := range sets {
		var (
			originals map[string]string
			results   []patch.Result
			updated   map[string]string
		)
		err := r.stage(ctx, StageApply, func(ctx context.Context) error {
			var err error
			if originals, err = r.filesAt(ctx, t, pack, base.SHA, set.Files()); err != nil {
				return err
			}
			results, updated = patch.Apply(originals, set, patch.Options{Threshold: r.opts.MatchThreshold})
			return nil
		})
		if err != nil {
			out := failed(StageApply, ReasonCodeHost, err)
			return nil, nil, &out
		}

		var verdict validate.Outcome
		err = r.stage(ctx, StageValidate, func(context.Context) error {
			verdict = validator.Validate(originals, results, updated)
			return nil
		})
		if err != nil {
			out := failed(StageValidate, ReasonShutdown, err)
			return nil, nil, &out
		}
		if !verdict.Accepted {
			rejection := fmt.Sprintf("patch set %d rejected by %s gate: %s", i+1, verdict.Gate, verdict.Reason)
			rejections = append(rejections, rejection)
			r.logger.Info(ctx, "patch set rejected",
				zap.Int("set", i+1),
				zap.String("gate", string(verdict.Gate)),
				zap.String("reason", verdict.Reason))
			continue
		}

		var pr *codehost.PullRequest
		err = r.stage(ctx, StagePublish, func(ctx context.Context) error {
			var err error
			pr, err = pub.Publish(ctx, publish.Request{
				Repo:    t.Repo,
				Base:    base,
				Issue:   issue,
				Outcome: verdict,
				Set:     set,
				Results: results,
			})
			return err
		})
		if err != nil {
			reason := ReasonPublishError
			if errors.Is(err, errShutdown) {
				reason = ReasonShutdown
			}
			out := failed(StagePublish, reason, err)
			return nil, nil, &out
		}
		return pr, nil, nil
	}
	return nil, rejections, nil
}

// filesAt returns the content of paths at sha. Context files are reused
// when the pack was built at the same commit. Missing files are omitted so
// the applier reports them unmatched.
func (r *Runner) filesAt(ctx context.Context, t Target, pack *contextpack.Pack, sha string, paths []string) (map[string]string, error) {
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		if pack.Ref == sha {
			if content, ok := pack.Files[p]; ok {
				files[p] = content
				continue
			}
		}
		content, err := t.Host.FetchFile(ctx, t.Repo, sha, p)
		switch {
		case err == nil:
			files[p] = content
		case errors.Is(err, codehost.ErrNotFound), errors.Is(err, codehost.ErrNotAFile):
		default:
			return nil, fmt.Errorf("fetch %s: %w", p, err)
		}
	}
	return files, nil
}

// scannerFor returns a scanner honoring the repository's own allowlist at
// sha, or the shared scanner when it has none.
func (r *Runner) scannerFor(ctx context.Context, t Target, sha string) (*secrets.Scanner, error) {
	data, err := t.Host.FetchFile(ctx, t.Repo, sha, secrets.AllowlistFile)
	switch {
	case errors.Is(err, codehost.ErrNotFound), errors.Is(err, codehost.ErrNotAFile):
		return r.deps.Scanner, nil
	case err != nil:
		return nil, fmt.Errorf("fetch %s: %w", secrets.AllowlistFile, err)
	}

	allowlist, err := secrets.ParseAllowlist([]byte(data), secrets.AllowlistFile)
	if err != nil {
		r.logger.Warn(ctx, "ignoring invalid allowlist", zap.Error(err))
		return r.deps.Scanner, nil
	}
	if allowlist.Empty() {
		return r.deps.Scanner, nil
	}
	return secrets.NewScanner(allowlist)
}

// stage runs fn as one named stage. Cancellation of ctx is checked before
// the stage starts; fn itself runs detached from it, bounded by
// StageTimeout.
func (r *Runner) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return errShutdown
	}
	return r.exec(ctx, stage, fn)
}

func (r *Runner) exec(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StageTimeout)
	defer cancel()
	sctx, span := r.tracer.Start(sctx, "pipeline."+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(sctx)
	r.metrics.recordStage(ctx, stage, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug(ctx, "stage failed", zap.String("stage", string(stage)), zap.Error(err))
	}
	return err
}

// finish records terminal outcomes, then reports the run.
func (r *Runner) finish(ctx context.Context, t Target, issue issues.Issue, out Outcome) Outcome {
	if out.Status == StatusDone || out.Status == StatusSkipped {
		rec := ledger.Record{
			TenantKey: t.Tenant.Key,
			IssueID:   issue.ID,
			Outcome:   ledger.Outcome(out.Status),
			Reason:    out.Reason,
		}
		if out.PullRequest != nil {
			rec.PullRequestURL = out.PullRequest.URL
		}
		err := r.exec(ctx, StageRecord, func(ctx context.Context) error {
			return r.deps.Ledger.Commit(ctx, rec)
		})
		switch {
		case err == nil, errors.Is(err, ledger.ErrAlreadyRecorded):
			out.Recorded = true
		default:
			r.logger.Error(ctx, "ledger commit failed",
				zap.String("outcome", string(out.Status)),
				zap.Error(err))
			pr := out.PullRequest
			out = failed(StageRecord, ReasonLedger, err)
			out.PullRequest = pr
		}
	}

	r.metrics.recordOutcome(ctx, out)
	r.report(ctx, t, issue, out)
	return out
}

func (r *Runner) report(ctx context.Context, t Target, issue issues.Issue, out Outcome) {
	fields := []zap.Field{
		zap.String("outcome", string(out.Status)),
		zap.String("stage", string(out.Stage)),
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}
	if out.Detail != "" {
		fields = append(fields, zap.String("detail", out.Detail))
	}
	if out.PullRequest != nil {
		fields = append(fields, zap.String("pull_request", out.PullRequest.URL))
	}

	switch out.Status {
	case StatusDuplicate:
		r.logger.Debug(ctx, "issue already processed", fields...)
		return
	case StatusFailed:
		if out.Err != nil {
			fields = append(fields, zap.Error(out.Err))
		}
		r.logger.Warn(ctx, "issue failed, will retry", fields...)
	default:
		r.logger.Info(ctx, "issue processed", fields...)
	}

	ev := events.Event{
		RunID:     out.RunID,
		TenantKey: t.Tenant.Key,
		IssueID:   issue.ID,
		ShortID:   issue.ShortID,
		Outcome:   string(out.Status),
		Reason:    out.Reason,
		Stage:     string(out.Stage),
	}
	if out.PullRequest != nil {
		ev.PullRequestURL = out.PullRequest.URL
	}
	if err := r.deps.Events.Publish(ctx, ev); err != nil {
		r.logger.Warn(ctx, "outcome event not published", zap.Error(err))
	}
}

func skipped(stage Stage, reason, detail string) Outcome {
	return Outcome{Status: StatusSkipped, Stage: stage, Reason: reason, Detail: detail}
}

func failed(stage Stage, reason string, err error) Outcome {
	if errors.Is(err, errShutdown) {
		reason = ReasonShutdown
	}
	out := Outcome{Status: StatusFailed, Stage: stage, Reason: reason, Err: err}
	if err != nil {
		out.Detail = err.Error()
	}
	return out
}
