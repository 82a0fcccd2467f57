// Package ledger is the deduplication ledger of issues that reached a
// terminal outcome.
//
// A record exists for a (tenant, issue) pair exactly when the pipeline
// finished with that issue: a pull request was opened (OutcomeDone) or the
// issue was judged not fixable (OutcomeSkipped). Transient failures leave no
// record, and the absence of a record is the only retry signal: the issue is
// picked up again on the next cycle. Records are append-only.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is a terminal pipeline outcome.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
)

// Valid reports whether o is a recordable outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeDone || o == OutcomeSkipped
}

var (
	// ErrAlreadyRecorded is returned by Commit when the pair already has a
	// record. The existing record is left untouched.
	ErrAlreadyRecorded = errors.New("ledger: already recorded")
	ErrInvalidRecord   = errors.New("ledger: invalid record")
)

// Record is one processed issue.
type Record struct {
	TenantKey      string    `json:"tenant_key"`
	IssueID        string    `json:"issue_id"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Store persists records. Insert must be atomic per (tenant, issue) and
// return ErrAlreadyRecorded when the pair exists.
type Store interface {
	Exists(ctx context.Context, tenantKey, issueID string) (bool, error)
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, tenantKey string) ([]Record, error)
}

// Ledger validates and stamps records on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Seen reports whether the issue already has a terminal record.
func (l *Ledger) Seen(ctx context.Context, tenantKey, issueID string) (bool, error) {
	return l.store.Exists(ctx, tenantKey, issueID)
}

// Commit records a terminal outcome. Committing a pair twice returns
// ErrAlreadyRecorded and keeps the first record.
func (l *Ledger) Commit(ctx context.Context, rec Record) error {
	if rec.TenantKey == "" || rec.IssueID == "" {
		return fmt.Errorf("%w: tenant and issue are required", ErrInvalidRecord)
	}
	if !rec.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", ErrInvalidRecord, rec.Outcome)
	}
	if rec.Outcome == OutcomeDone && rec.PullRequestURL == "" {
		return fmt.Errorf("%w: done without pull request", ErrInvalidRecord)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.now().UTC()
	}
	return l.store.Insert(ctx, rec)
}

// List returns the tenant's records, oldest first.
func (l *Ledger) List(ctx context.Context, tenantKey string) ([]Record, error) {
	return l.store.List(ctx, tenantKey)
}
