package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CommitOnce(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	seen, err := l.Seen(ctx, "t1", "ISSUE-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Commit(ctx, Record{
		TenantKey:      "t1",
		IssueID:        "ISSUE-1",
		Outcome:        OutcomeDone,
		PullRequestURL: "https://github.com/acme/api/pull/7",
	}))

	err = l.Commit(ctx, Record{TenantKey: "t1", IssueID: "ISSUE-1", Outcome: OutcomeSkipped, Reason: "no fix"})
	assert.ErrorIs(t, err, ErrAlreadyRecorded)

	records, err := l.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeDone, records[0].Outcome, "first record wins")
	assert.False(t, records[0].RecordedAt.IsZero())

	seen, err = l.Seen(ctx, "t1", "ISSUE-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = l.Seen(ctx, "t2", "ISSUE-1")
	require.NoError(t, err)
	assert.False(t, seen, "records are scoped per tenant")
}

func TestLedger_CommitValidates(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name string
		rec  Record
	}{
		{"missing tenant", Record{IssueID: "1", Outcome: OutcomeSkipped}},
		{"missing issue", Record{TenantKey: "t", Outcome: OutcomeSkipped}},
		{"failed is not terminal", Record{TenantKey: "t", IssueID: "1", Outcome: "failed"}},
		{"done without pull request", Record{TenantKey: "t", IssueID: "1", Outcome: OutcomeDone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Commit(ctx, tt.rec), ErrInvalidRecord)
		})
	}
}

func TestLedger_ConcurrentCommitSingleWinner(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Commit(ctx, Record{TenantKey: "t", IssueID: "ISSUE-9", Outcome: OutcomeSkipped, Reason: "no fix"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
