package contextpack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/codehost/codehosttest"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/lang"
)

const calcPy = `import os
from decimal import Decimal

class Calc:
    def total(self, a, b):
        if b == 0:
            raise ValueError("b")
        return a / b

    def other(self):
        return 1
`

var repo = codehost.Repo{Owner: "acme", Name: "shop"}

func pyIssue() issues.Issue {
	return issues.Issue{
		ID:      "ISSUE-1",
		ShortID: "SHOP-1",
		Title:   "ValueError: b",
		Culprit: "app.calc in total",
		Level:   "error",
		Count:   3,
		Frames: []issues.StackFrame{
			{Filename: "app/main.py", AbsPath: "/app/app/main.py", Function: "main", LineNo: 12, InApp: true},
			{Filename: "app/calc.py", AbsPath: "/app/app/calc.py", Function: "total", LineNo: 7, InApp: true},
			{Filename: "decimal.py", AbsPath: "/usr/lib/python3.12/decimal.py", Function: "__init__", LineNo: 99},
		},
	}
}

func TestBuild_PythonFunction(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, pyIssue())
	require.NoError(t, err)

	require.Len(t, pack.Excerpts, 1, "app/main.py is not in the repository")
	ex := pack.Excerpts[0]
	assert.Equal(t, "app/calc.py", ex.FilePath)
	assert.Equal(t, lang.Python, ex.Language)
	assert.Equal(t, UnitFunction, ex.Unit)
	assert.Equal(t, "total", ex.Symbol)
	assert.Equal(t, 5, ex.Start)
	assert.Equal(t, 8, ex.End)
	assert.Equal(t, 7, ex.ErrorLine)
	assert.Equal(t, "main", ex.Ref)
	assert.Equal(t, "main", pack.Ref)
	assert.Equal(t, calcPy, pack.Files["app/calc.py"])
	assert.Equal(t, []string{"import os", "from decimal import Decimal"}, pack.Imports)

	prompt := pack.Prompt()
	assert.Contains(t, prompt, "## Issue SHOP-1: ValueError: b")
	assert.Contains(t, prompt, ">>> 7 |             raise ValueError(\"b\")")
	assert.Contains(t, prompt, "    8 |         return a / b")
	assert.Contains(t, prompt, "decimal.py:99 in __init__")
	assert.NotContains(t, prompt, "def other")
}

func TestBuild_PrefersObservedCommit(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	observed := strings.Replace(calcPy, "raise ValueError(\"b\")", "raise ValueError(\"old\")", 1)
	host.Files["abc123"] = map[string]string{"app/calc.py": observed}

	issue := pyIssue()
	issue.Frames = issue.Frames[1:]
	issue.CommitSHA = "abc123"
	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, issue)
	require.NoError(t, err)
	assert.Equal(t, "abc123", pack.Ref)
	assert.Contains(t, pack.Excerpts[0].Content, "old")
	assert.Equal(t, 0, host.CallCount("DefaultBranch"), "no fallback needed for the observed file")
}

func TestBuild_FallsBackToDefaultBranch(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	issue := pyIssue()
	issue.CommitSHA = "unknown-sha"

	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, issue)
	require.NoError(t, err)
	assert.Equal(t, "main", pack.Ref)
	assert.Equal(t, 1, host.CallCount("DefaultBranch"))
}

func TestBuild_NoResolvableContext(t *testing.T) {
	t.Run("library frames only", func(t *testing.T) {
		host := codehosttest.New(map[string]string{})
		issue := issues.Issue{ID: "1", Frames: []issues.StackFrame{
			{AbsPath: "/usr/lib/python3.12/site-packages/requests/api.py", LineNo: 10},
		}}
		_, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, issue)
		assert.ErrorIs(t, err, ErrNoContext)
		assert.Equal(t, 0, host.CallCount("FetchFile"))
	})

	t.Run("files missing", func(t *testing.T) {
		host := codehosttest.New(map[string]string{"other.py": "x = 1\n"})
		_, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, pyIssue())
		assert.ErrorIs(t, err, ErrNoContext)
	})
}

func TestBuild_TransientFetchErrorIsReturned(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	boom := &codehost.Error{Op: "FetchFile", Status: 502, Retryable: true, Err: errors.New("bad gateway")}
	host.Fail["FetchFile"] = boom

	_, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, pyIssue())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoContext)
	assert.True(t, codehost.IsTransient(err))
}

const serverGo = `package server

import (
	"net/http"
	"strconv"
)

type Server struct{}

// Handle serves one request.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	w.Write([]byte(strconv.Itoa(100 / n)))
}

func other() {}
`

func TestBuild_GoMethod(t *testing.T) {
	host := codehosttest.New(map[string]string{"internal/server/server.go": serverGo})
	issue := issues.Issue{ID: "2", Frames: []issues.StackFrame{
		{AbsPath: "/home/runner/work/shop/shop/internal/server/server.go", Function: "Handle", LineNo: 13, InApp: true},
	}}

	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, issue)
	require.NoError(t, err)
	ex := pack.Excerpts[0]
	assert.Equal(t, "internal/server/server.go", ex.FilePath)
	assert.Equal(t, "(*Server).Handle", ex.Symbol)
	assert.Equal(t, 10, ex.Start, "doc comment included")
	assert.Equal(t, 14, ex.End)
	assert.Equal(t, []string{`"net/http"`, `"strconv"`}, pack.Imports)
}

func TestBuild_WindowFallback(t *testing.T) {
	var lines []string
	for i := 1; i <= 200; i++ {
		lines = append(lines, fmt.Sprintf("puts %d", i))
	}
	host := codehosttest.New(map[string]string{"lib/job.rb": strings.Join(lines, "\n") + "\n"})
	issue := issues.Issue{ID: "3", Frames: []issues.StackFrame{{Filename: "lib/job.rb", LineNo: 100}}}

	pack, err := NewBuilder(host, Options{WindowLines: 10}, nil).Build(context.Background(), repo, issue)
	require.NoError(t, err)
	ex := pack.Excerpts[0]
	assert.Equal(t, UnitWindow, ex.Unit)
	assert.Equal(t, 90, ex.Start)
	assert.Equal(t, 110, ex.End)
	assert.True(t, strings.HasPrefix(ex.Content, "puts 90\n"))
}

func TestBuild_DeduplicatesExcerpts(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	issue := issues.Issue{ID: "4", Frames: []issues.StackFrame{
		{Filename: "app/calc.py", LineNo: 6, InApp: true},
		{Filename: "app/calc.py", LineNo: 7, InApp: true},
	}}
	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, issue)
	require.NoError(t, err)
	assert.Len(t, pack.Excerpts, 1)
	assert.Equal(t, 7, pack.Excerpts[0].ErrorLine, "most recent frame first")
	assert.Equal(t, 1, host.CallCount("FetchFile"), "file fetched once per pack")
}

type keywordRedactor struct{}

func (keywordRedactor) Redact(s string) (string, int) {
	if !strings.Contains(s, "ValueError") {
		return s, 0
	}
	return strings.ReplaceAll(s, "ValueError", "[REDACTED:test]"), 1
}

func TestPack_Redact(t *testing.T) {
	host := codehosttest.New(map[string]string{"app/calc.py": calcPy})
	pack, err := NewBuilder(host, Options{}, nil).Build(context.Background(), repo, pyIssue())
	require.NoError(t, err)

	assert.Equal(t, 1, pack.Redact(keywordRedactor{}))
	assert.Contains(t, pack.Excerpts[0].Content, "[REDACTED:test]")
	assert.Equal(t, calcPy, pack.Files["app/calc.py"])
}
