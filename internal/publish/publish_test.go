package publish

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/codehost/codehosttest"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
	"github.com/fyrsmithlabs/selfheal/internal/validate"
)

var repo = codehost.Repo{Owner: "acme", Name: "shop"}

func request(base Base) Request {
	edit := patch.Edit{FilePath: "app.py", Search: "return a / b", Replace: "return a / b if b else 0", Rationale: "b can be zero"}
	return Request{
		Repo: repo,
		Base: base,
		Issue: issues.Issue{
			ID: "ISSUE-1", ShortID: "SHOP-1", Title: "ZeroDivisionError: division by zero",
			Permalink: "https://sentry.io/organizations/acme/issues/1/", Count: 12,
		},
		Outcome: validate.Outcome{Accepted: true, Changes: []validate.Change{
			{Path: "app.py", Original: "return a / b\n", Updated: "return a / b if b else 0\n"},
		}},
		Set:     patch.Set{Edits: []patch.Edit{edit}, Explanation: "Guard the division.", Confidence: 0.9},
		Results: []patch.Result{{Edit: edit, Applied: true, Score: 1, Strategy: patch.StrategyExact, StartLine: 1, EndLine: 1}},
	}
}

func TestPublish_CreatesBranchCommitAndPR(t *testing.T) {
	host := codehosttest.New(map[string]string{"app.py": "return a / b\n"})
	p := New(host, Options{}, nil)

	base, err := p.Base(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, Base{Branch: "main", SHA: "base-sha"}, base)

	pr, err := p.Publish(context.Background(), request(base))
	require.NoError(t, err)
	assert.Equal(t, "fix/ISSUE-1", pr.Branch)
	assert.False(t, pr.Existing)
	assert.NotEmpty(t, pr.URL)

	require.Len(t, host.Commits, 1)
	commit := host.Commits[0]
	assert.Equal(t, "base-sha", commit.Parent)
	assert.Equal(t, []codehost.FileChange{{Path: "app.py", Content: "return a / b if b else 0\n"}}, commit.Files)
	assert.Equal(t, commit.SHA, host.Branches["fix/ISSUE-1"])
	assert.Equal(t, commit.SHA, pr.CommitSHA)

	require.Len(t, host.Specs, 1)
	spec := host.Specs[0]
	assert.Equal(t, "main", spec.Base)
	assert.Equal(t, "Fix: ZeroDivisionError: division by zero (SHOP-1)", spec.Title)
	assert.Contains(t, spec.Body, "[SHOP-1](https://sentry.io/organizations/acme/issues/1/)")
	assert.Contains(t, spec.Body, "Guard the division.")
	assert.Contains(t, spec.Body, "- `app.py` lines 1-1: b can be zero")
	assert.Contains(t, spec.Body, "- [x] All 1 edits applied")
	assert.Contains(t, spec.Body, "generated automatically")
}

func TestPublish_ResetsExistingBranch(t *testing.T) {
	host := codehosttest.New(map[string]string{"app.py": "return a / b\n"})
	host.Branches["fix/ISSUE-1"] = "stale-sha"
	p := New(host, Options{}, nil)

	pr, err := p.Publish(context.Background(), request(Base{Branch: "main", SHA: "base-sha"}))
	require.NoError(t, err)
	assert.Equal(t, 1, host.CallCount("ResetBranch"))
	assert.Equal(t, pr.CommitSHA, host.Branches["fix/ISSUE-1"])

	// A second publish for the same issue reuses the open pull request.
	pr2, err := p.Publish(context.Background(), request(Base{Branch: "main", SHA: "base-sha"}))
	require.NoError(t, err)
	assert.True(t, pr2.Existing)
	assert.Equal(t, pr.Number, pr2.Number)
	assert.Len(t, host.PRs, 1)
}

func TestPublish_Failures(t *testing.T) {
	for _, op := range []string{"CommitFiles", "CreateBranch", "OpenPullRequest"} {
		t.Run(op, func(t *testing.T) {
			host := codehosttest.New(map[string]string{"app.py": "return a / b\n"})
			host.Fail[op] = &codehost.Error{Op: op, Status: 502, Retryable: true, Err: errors.New("bad gateway")}

			_, err := New(host, Options{}, nil).Publish(context.Background(), request(Base{Branch: "main", SHA: "base-sha"}))
			require.Error(t, err)
			assert.True(t, codehost.IsTransient(err))
		})
	}
}

func TestPublish_RejectsUnacceptedOutcome(t *testing.T) {
	host := codehosttest.New(map[string]string{})
	req := request(Base{Branch: "main", SHA: "base-sha"})
	req.Outcome = validate.Outcome{Gate: validate.GateSyntax, Reason: "app.py: invalid syntax"}

	_, err := New(host, Options{}, nil).Publish(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, 0, host.CallCount("CommitFiles"))
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"ISSUE-1", "fix/ISSUE-1"},
		{"4509123", "fix/4509123"},
		{"SHOP API/12", "fix/SHOP-API-12"},
		{"a..b", "fix/a.b"},
		{"~^:?*[", "fix/issue"},
		{"x.lock", "fix/x"},
		{"-lead-", "fix/lead"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BranchName(DefaultBranchPrefix, tt.id), tt.id)
	}
}

func TestTitle_Truncates(t *testing.T) {
	long := strings.Repeat("x", 100)
	title := Title(issues.Issue{ID: "1", Title: long + "\nsecond line"})
	assert.True(t, strings.HasPrefix(title, "Fix: xxx"))
	assert.True(t, strings.HasSuffix(title, "… (1)"))
	assert.NotContains(t, title, "second line")
}

func TestPublish_BaseBranchAndNote(t *testing.T) {
	host := codehosttest.New(map[string]string{"app.py": "return a / b\n"})
	host.Branches["develop"] = "dev-sha"
	p := New(host, Options{BaseBranch: "develop", Note: "cc @acme/oncall"}, nil)

	base, err := p.Base(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, Base{Branch: "develop", SHA: "dev-sha"}, base)
	assert.Equal(t, 0, host.CallCount("DefaultBranch"))

	_, err = p.Publish(context.Background(), request(base))
	require.NoError(t, err)
	assert.Equal(t, "develop", host.Specs[0].Base)
	assert.Contains(t, host.Specs[0].Body, "cc @acme/oncall")
}
