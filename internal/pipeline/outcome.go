package pipeline

import (
	"context"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// Status is the terminal state of one run.
type Status string

const (
	// StatusDone means a pull request was published and recorded.
	StatusDone Status = "done"
	// StatusSkipped is permanent and recorded; the issue is never retried.
	StatusSkipped Status = "skipped"
	// StatusFailed is transient and unrecorded; the issue is retried on a
	// later cycle.
	StatusFailed Status = "failed"
	// StatusDuplicate means the ledger already held a record. Nothing ran.
	StatusDuplicate Status = "duplicate"
)

// Terminal reports whether s needs no retry.
func (s Status) Terminal() bool { return s != StatusFailed }

// Stage names a step of the state machine.
type Stage string

const (
	StageDedup    Stage = "dedup"
	StageEvent    Stage = "event"
	StageContext  Stage = "context"
	StageBase     Stage = "base"
	StageOracle   Stage = "oracle"
	StageApply    Stage = "apply"
	StageValidate Stage = "validate"
	StagePublish  Stage = "publish"
	StageRecord   Stage = "record"
)

// Reasons are stable, low-cardinality labels for skipped and failed runs.
const (
	ReasonAlreadyProcessed = "already processed"
	ReasonIssueGone        = "issue not found"
	ReasonNoContext        = "no resolvable context"
	ReasonOracleFailure    = "oracle failure"
	ReasonNoFix            = "no fix proposed"
	ReasonNoValidPatch     = "no valid patch"
	ReasonPublishError     = "publish error"
	ReasonIssueSource      = "issue source error"
	ReasonCodeHost         = "code host error"
	ReasonLedger           = "ledger error"
	ReasonDispatch         = "dispatch error"
	ReasonShutdown         = "shutdown"
)

// Outcome is the result of one run.
type Outcome struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Detail carries the specifics behind Reason, such as the last
	// validator rejection.
	Detail      string                `json:"detail,omitempty"`
	Stage       Stage                 `json:"stage"`
	PullRequest *codehost.PullRequest `json:"pull_request,omitempty"`
	Attempts    int                   `json:"attempts,omitempty"`
	Recorded    bool                  `json:"recorded"`
	RunID       string                `json:"run_id,omitempty"`
	Err         error                 `json:"-"`
}

// Target is what a run operates on: one tenant's repository, reached with
// credentials resolved for the current cycle.
type Target struct {
	Tenant   tenant.Config
	Endpoint issues.Endpoint
	Repo     codehost.Repo
	Host     codehost.Host
}

// Dispatcher runs issues through the pipeline. Runner dispatches in
// process; the workflows package dispatches through Temporal.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Target, issue issues.Issue) Outcome
}
