package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/config"
)

var testRepo = codehost.Repo{Owner: "acme", Name: "api"}

type fakeGitHub struct {
	mu          sync.Mutex
	branches    map[string]string
	trees       []map[string]any
	commits     []map[string]any
	refUpdates  []string
	openPRs     []map[string]any
	createdPRs  int
	authHeaders []string
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *Host) {
	t.Helper()
	f := &fakeGitHub{branches: map[string]string{"main": "base-sha"}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprint(w, `{"name":"api","default_branch":"main"}`)
	})
	getRef := func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		branch := r.PathValue("branch")
		sha, ok := f.branches[branch]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		fmt.Fprintf(w, `{"ref":"refs/heads/%s","object":{"type":"commit","sha":%q}}`, branch, sha)
	}
	mux.HandleFunc("GET /repos/acme/api/git/ref/heads/{branch...}", getRef)
	mux.HandleFunc("GET /repos/acme/api/git/refs/heads/{branch...}", getRef)
	mux.HandleFunc("GET /repos/acme/api/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("path") != "app/views.py" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		content := base64.StdEncoding.EncodeToString([]byte("def total(a, b):\n    return a / b\n"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","path":"app/views.py","content":%q}`, content)
	})
	mux.HandleFunc("GET /repos/acme/api/git/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprintf(w, `{"sha":%q,"tree":{"sha":"tree-base"}}`, r.PathValue("sha"))
	})
	mux.HandleFunc("POST /repos/acme/api/git/trees", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.trees = append(f.trees, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sha":"tree-new"}`)
	})
	mux.HandleFunc("POST /repos/acme/api/git/commits", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.commits = append(f.commits, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sha":"commit-new"}`)
	})
	mux.HandleFunc("POST /repos/acme/api/git/refs", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		branch := body.Ref[len("refs/heads/"):]
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.branches[branch]; ok {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Reference already exists"}`)
			return
		}
		f.branches[branch] = body.SHA
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"ref":%q,"object":{"sha":%q}}`, body.Ref, body.SHA)
	})
	mux.HandleFunc("PATCH /repos/acme/api/git/refs/heads/{branch...}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Force)
		f.mu.Lock()
		f.branches[r.PathValue("branch")] = body.SHA
		f.refUpdates = append(f.refUpdates, r.PathValue("branch"))
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ref":"refs/heads/%s","object":{"sha":%q}}`, r.PathValue("branch"), body.SHA)
	})
	mux.HandleFunc("GET /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.openPRs)
	})
	mux.HandleFunc("POST /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			Head string `json:"head"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.createdPRs++
		pr := map[string]any{
			"number":   7,
			"html_url": "https://github.com/acme/api/pull/7",
			"head":     map[string]any{"ref": body.Head, "sha": f.branches[body.Head]},
		}
		f.openPRs = append(f.openPRs, pr)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(pr)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, err := NewHost(context.Background(), Config{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Retry:   RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, config.Secret("ghp_test_token"), nil)
	require.NoError(t, err)
	return f, host
}

func (f *fakeGitHub) record(r *http.Request) {
	f.mu.Lock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func TestHost_ReadOperations(t *testing.T) {
	f, host := newFakeGitHub(t)
	ctx := context.Background()

	branch, err := host.DefaultBranch(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	sha, err := host.BranchHead(ctx, testRepo, "main")
	require.NoError(t, err)
	assert.Equal(t, "base-sha", sha)

	content, err := host.FetchFile(ctx, testRepo, "abc123", "app/views.py")
	require.NoError(t, err)
	assert.Equal(t, "def total(a, b):\n    return a / b\n", content)

	_, err = host.FetchFile(ctx, testRepo, "abc123", "missing.py")
	assert.ErrorIs(t, err, codehost.ErrNotFound)
	assert.False(t, codehost.IsTransient(err))

	_, err = host.BranchHead(ctx, testRepo, "fix/ISSUE-404")
	assert.ErrorIs(t, err, codehost.ErrNotFound)

	for _, h := range f.authHeaders {
		assert.Equal(t, "Bearer ghp_test_token", h)
	}
}

func TestHost_CommitFilesSingleCommit(t *testing.T) {
	f, host := newFakeGitHub(t)
	ctx := context.Background()

	sha, err := host.CommitFiles(ctx, testRepo, "base-sha", "Fix: boom (API-1)", []codehost.FileChange{
		{Path: "app/views.py", Content: "a"},
		{Path: "app/util.py", Content: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit-new", sha)

	require.Len(t, f.trees, 1)
	assert.Equal(t, "tree-base", f.trees[0]["base_tree"])
	assert.Len(t, f.trees[0]["tree"], 2)

	require.Len(t, f.commits, 1)
	assert.Equal(t, "tree-new", f.commits[0]["tree"])
	assert.Equal(t, []any{"base-sha"}, f.commits[0]["parents"])

	_, err = host.CommitFiles(ctx, testRepo, "base-sha", "x", []codehost.FileChange{{Path: "../etc/passwd", Content: "x"}})
	assert.ErrorIs(t, err, codehost.ErrInvalidChange)
}

func TestHost_BranchesAndPullRequests(t *testing.T) {
	f, host := newFakeGitHub(t)
	ctx := context.Background()

	require.NoError(t, host.CreateBranch(ctx, testRepo, "fix/ISSUE-1", "commit-new"))
	err := host.CreateBranch(ctx, testRepo, "fix/ISSUE-1", "commit-2")
	assert.ErrorIs(t, err, codehost.ErrBranchExists)

	require.NoError(t, host.ResetBranch(ctx, testRepo, "fix/ISSUE-1", "commit-2"))
	assert.Equal(t, []string{"fix/ISSUE-1"}, f.refUpdates)

	spec := codehost.PullRequestSpec{Branch: "fix/ISSUE-1", Base: "main", Title: "Fix: boom (ISSUE-1)", Body: "body"}
	pr, err := host.OpenPullRequest(ctx, testRepo, spec)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/api/pull/7", pr.URL)
	assert.False(t, pr.Existing)

	again, err := host.OpenPullRequest(ctx, testRepo, spec)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, 1, f.createdPRs, "an open pull request for the branch is reused")
}

func TestHost_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"default_branch":"develop"}`)
	}))
	defer srv.Close()

	host, err := NewHost(context.Background(), Config{
		BaseURL: srv.URL,
		Retry:   RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, config.Secret("ghp_test_token"), nil)
	require.NoError(t, err)

	branch, err := host.DefaultBranch(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, "develop", branch)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHost_UnauthorizedIsTransientButNotRetriedInline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))
	defer srv.Close()

	host, err := NewHost(context.Background(), Config{
		BaseURL: srv.URL,
		Retry:   RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond},
	}, config.Secret("ghp_test_token"), nil)
	require.NoError(t, err)

	_, err = host.DefaultBranch(context.Background(), testRepo)
	require.Error(t, err)
	assert.ErrorIs(t, err, codehost.ErrUnauthorized)
	assert.True(t, codehost.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewHost_RequiresToken(t *testing.T) {
	_, err := NewHost(context.Background(), Config{}, "", nil)
	assert.ErrorIs(t, err, codehost.ErrMissingToken)
}
