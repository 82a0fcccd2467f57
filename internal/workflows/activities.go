package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// Activities holds the collaborators remediation activities need. Register
// a *Activities with the worker; every exported method is an activity.
type Activities struct {
	Registry *tenant.Registry
	Resolver *tenant.Resolver
	Dial     codehost.Dialer
	Ledger   *ledger.Ledger
	// Runner is normally a *pipeline.Runner.
	Runner pipeline.Dispatcher
}

// CheckLedger reports whether the issue already has a ledger entry.
func (a *Activities) CheckLedger(ctx context.Context, in LedgerInput) (bool, error) {
	start := time.Now()
	seen, err := a.Ledger.Seen(ctx, in.TenantKey, in.IssueID)
	recordActivity(ctx, "check_ledger", start, err)
	if err != nil {
		return false, NewWorkflowError("check ledger", ErrorSeverityCritical, err, in.TenantKey+"/"+in.IssueID)
	}
	return seen, nil
}

// Remediate runs the pipeline for one issue in this worker's process.
//
// Credentials are resolved here from the tenant key on every attempt. A
// failed outcome is returned as a retryable application error carrying the
// outcome, so the retry policy decides whether another attempt is made and
// the workflow can still report the last outcome when retries run out.
func (a *Activities) Remediate(ctx context.Context, in RemediationInput) (res *RemediationResult, err error) {
	start := time.Now()
	defer func() { recordActivity(ctx, "remediate", start, err) }()

	logger := activity.GetLogger(ctx)

	cfg, err := a.Registry.Get(ctx, in.TenantKey)
	if errors.Is(err, tenant.ErrNotFound) {
		return nil, nonRetryable(ErrTypeTenantGone, fmt.Errorf("tenant %s is no longer registered", in.TenantKey))
	}
	if err != nil {
		return nil, NewWorkflowError("load tenant", ErrorSeverityCritical, err, in.TenantKey)
	}

	creds, err := a.Resolver.Resolve(ctx, *cfg)
	if err != nil {
		return nil, nonRetryable(ErrTypeCredentials, err)
	}
	host, err := a.Dial(ctx, creds.CodeHostToken)
	if err != nil {
		if errors.Is(err, codehost.ErrUnauthorized) || errors.Is(err, codehost.ErrMissingToken) {
			return nil, nonRetryable(ErrTypeCredentials, err)
		}
		return nil, NewWorkflowError("dial code host", ErrorSeverityCritical, err, in.Repo.String())
	}

	ep := issues.Endpoint{
		BaseURL: in.IssueBaseURL,
		Org:     in.IssueOrg,
		Token:   creds.IssueToken,
	}
	if ep.BaseURL == "" {
		ep.BaseURL = cfg.Endpoint()
	}
	if ep.Org == "" {
		ep.Org = cfg.IssueOrg
	}

	out := a.Runner.Dispatch(ctx, pipeline.Target{
		Tenant:   *cfg,
		Endpoint: ep,
		Repo:     in.Repo,
		Host:     host,
	}, in.Issue)
	result := resultOf(out)

	if out.Status == pipeline.StatusFailed {
		logger.Warn("Remediation attempt failed",
			"reason", out.Reason,
			"stage", out.Stage,
			"attempt", activity.GetInfo(ctx).Attempt)
		return nil, temporal.NewApplicationError(out.Reason, ErrTypePipelineFailed, result)
	}
	return &result, nil
}
