package workflows

import (
	"context"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
)

// Dispatcher implements pipeline.Dispatcher by starting a remediation
// workflow and waiting for its result.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	logger    *logging.Logger
}

// NewDispatcher creates a Dispatcher. An empty taskQueue selects
// DefaultTaskQueue.
func NewDispatcher(c client.Client, taskQueue string, logger *logging.Logger) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, logger: logger.Named("workflows")}
}

// WorkflowID is the workflow ID for one issue. Starting a second workflow
// for the same issue while one is running joins the running one.
func WorkflowID(tenantKey, issueID string) string {
	return "selfheal/" + tenantKey + "/" + issueID
}

// Dispatch starts (or joins) the issue's workflow and blocks until it
// completes. The target's host is not used; the worker dials its own.
func (d *Dispatcher) Dispatch(ctx context.Context, t pipeline.Target, issue issues.Issue) pipeline.Outcome {
	start := time.Now()
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(t.Tenant.Key, issue.ID),
		TaskQueue:                d.taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	in := RemediationInput{
		TenantKey:    t.Tenant.Key,
		Issue:        issue,
		Repo:         t.Repo,
		IssueBaseURL: t.Endpoint.BaseURL,
		IssueOrg:     t.Endpoint.Org,
	}

	run, err := d.client.ExecuteWorkflow(ctx, opts, RemediationWorkflow, in)
	if err != nil {
		out := d.failed(ctx, "start workflow", err)
		recordRemediation(ctx, string(out.Status), start)
		return out
	}

	var res RemediationResult
	if err := run.Get(ctx, &res); err != nil {
		if ctx.Err() != nil {
			// The workflow keeps running; the next cycle sees its ledger entry.
			out := pipeline.Outcome{Status: pipeline.StatusFailed, Reason: pipeline.ReasonShutdown, Err: err, RunID: run.GetRunID()}
			recordRemediation(ctx, string(out.Status), start)
			return out
		}
		out := d.failed(ctx, "await workflow", err)
		out.RunID = run.GetRunID()
		recordRemediation(ctx, string(out.Status), start)
		return out
	}

	out := res.Outcome()
	if out.RunID == "" {
		out.RunID = run.GetRunID()
	}
	recordRemediation(ctx, string(out.Status), start)
	d.logger.Debug(ctx, "workflow complete",
		zap.String("workflow_id", opts.ID),
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason))
	return out
}

func (d *Dispatcher) failed(ctx context.Context, op string, err error) pipeline.Outcome {
	d.logger.Warn(ctx, op+" failed", zap.Error(err))
	return pipeline.Outcome{
		Status: pipeline.StatusFailed,
		Reason: pipeline.ReasonDispatch,
		Detail: op + ": " + err.Error(),
		Err:    err,
	}
}

// Register registers the remediation workflow and activities with w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(RemediationWorkflow)
	w.RegisterActivity(acts)
}
