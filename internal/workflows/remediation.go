// Package workflows runs the remediation pipeline on Temporal, for
// deployments that want issue runs to survive process restarts and be
// retried with durable back-off.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
)

// DefaultTaskQueue is the task queue remediation workflows run on.
const DefaultTaskQueue = "selfheal-remediation"

// RemediationInput identifies one issue run. Credentials are not part of
// the input; activities resolve them from the tenant registry so they never
// reach workflow history.
type RemediationInput struct {
	TenantKey    string
	Issue        issues.Issue
	Repo         codehost.Repo
	IssueBaseURL string
	IssueOrg     string
}

// RemediationResult is the serializable form of pipeline.Outcome.
type RemediationResult struct {
	Status         pipeline.Status
	Reason         string
	Detail         string
	Stage          pipeline.Stage
	Branch         string
	PullRequestURL string
	PullRequestNum int
	Recorded       bool
	RunID          string
	Attempts       int
}

// LedgerInput identifies a ledger entry.
type LedgerInput struct {
	TenantKey string
	IssueID   string
}

// Outcome converts r back to a pipeline.Outcome.
func (r RemediationResult) Outcome() pipeline.Outcome {
	out := pipeline.Outcome{
		Status:   r.Status,
		Reason:   r.Reason,
		Detail:   r.Detail,
		Stage:    r.Stage,
		Recorded: r.Recorded,
		RunID:    r.RunID,
		Attempts: r.Attempts,
	}
	if r.PullRequestURL != "" {
		out.PullRequest = &codehost.PullRequest{Branch: r.Branch, URL: r.PullRequestURL, Number: r.PullRequestNum}
	}
	return out
}

func resultOf(out pipeline.Outcome) RemediationResult {
	res := RemediationResult{
		Status:   out.Status,
		Reason:   out.Reason,
		Detail:   out.Detail,
		Stage:    out.Stage,
		Recorded: out.Recorded,
		RunID:    out.RunID,
		Attempts: out.Attempts,
	}
	if pr := out.PullRequest; pr != nil {
		res.Branch = pr.Branch
		res.PullRequestURL = pr.URL
		res.PullRequestNum = pr.Number
	}
	return res
}

// RemediationWorkflow runs one issue through the pipeline.
//
// This workflow:
// 1. Checks the ledger and returns early for processed issues
// 2. Runs the pipeline in a single activity; transient failures are
// retried with back-off, each retry starting from a fresh context pack
// 3. Returns the final outcome; a failed outcome is left unrecorded so the
// next poll cycle dispatches the issue again
func RemediationWorkflow(ctx workflow.Context, in RemediationInput) (*RemediationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting remediation",
		"tenant", in.TenantKey,
		"issue", in.Issue.ID,
		"repo", in.Repo.String())

	var a *Activities

	ledgerCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	var seen bool
	err := workflow.ExecuteActivity(ledgerCtx, a.CheckLedger, LedgerInput{
		TenantKey: in.TenantKey,
		IssueID:   in.Issue.ID,
	}).Get(ctx, &seen)
	if err != nil {
		logger.Warn("Ledger check failed", "error", err)
		return &RemediationResult{
			Status: pipeline.StatusFailed,
			Reason: pipeline.ReasonLedger,
			Detail: err.Error(),
			Stage:  pipeline.StageDedup,
		}, nil
	}
	if seen {
		logger.Info("Issue already processed")
		return &RemediationResult{
			Status: pipeline.StatusDuplicate,
			Reason: pipeline.ReasonAlreadyProcessed,
			Stage:  pipeline.StageDedup,
		}, nil
	}

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeTenantGone, ErrTypeCredentials},
		},
	})
	var res RemediationResult
	err = workflow.ExecuteActivity(runCtx, a.Remediate, in).Get(ctx, &res)
	if err != nil {
		if last, ok := resultFromError(err); ok {
			logger.Warn("Remediation failed after retries",
				"reason", last.Reason,
				"stage", last.Stage)
			return &last, nil
		}
		logger.Error("Remediation activity failed", "error", err)
		return &RemediationResult{
			Status: pipeline.StatusFailed,
			Reason: pipeline.ReasonDispatch,
			Detail: err.Error(),
		}, nil
	}

	logger.Info("Remediation complete",
		"status", res.Status,
		"reason", res.Reason,
		"pull_request", res.PullRequestURL)
	return &res, nil
}
