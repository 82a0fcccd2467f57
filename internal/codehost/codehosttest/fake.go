// Package codehosttest provides an in-memory codehost.Host for tests.
package codehosttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/config"
)

// Commit is a commit recorded by the fake.
type Commit struct {
	SHA     string
	Parent  string
	Message string
	Files   []codehost.FileChange
}

// Host is an in-memory code host holding a single repository snapshot per
// ref. The zero value is not usable; call New.
type Host struct {
	mu sync.Mutex

	Default string
	// Files maps ref (branch name or commit SHA) to path to content.
	Files    map[string]map[string]string
	Branches map[string]string
	Commits  []Commit
	PRs      []codehost.PullRequest
	Specs    []codehost.PullRequestSpec
	Calls    map[string]int

	// Fail makes the named operation return the error.
	Fail map[string]error

	nextSHA int
}

var _ codehost.Host = (*Host)(nil)

// New creates a fake with files on the default branch "main" at "base-sha".
func New(files map[string]string) *Host {
	return &Host{
		Default:  "main",
		Files:    map[string]map[string]string{"main": files, "base-sha": files},
		Branches: map[string]string{"main": "base-sha"},
		Calls:    map[string]int{},
		Fail:     map[string]error{},
	}
}

// Dialer returns a codehost.Dialer that always yields h.
func (h *Host) Dialer() codehost.Dialer {
	return func(context.Context, config.Secret) (codehost.Host, error) { return h, nil }
}

func (h *Host) enter(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls[op]++
	return h.Fail[op]
}

// CallCount returns how many times op was invoked.
func (h *Host) CallCount(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Calls[op]
}

// DefaultBranch implements codehost.Host.
func (h *Host) DefaultBranch(context.Context, codehost.Repo) (string, error) {
	if err := h.enter("DefaultBranch"); err != nil {
		return "", err
	}
	return h.Default, nil
}

// BranchHead implements codehost.Host.
func (h *Host) BranchHead(_ context.Context, _ codehost.Repo, branch string) (string, error) {
	if err := h.enter("BranchHead"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sha, ok := h.Branches[branch]
	if !ok {
		return "", codehost.ErrNotFound
	}
	return sha, nil
}

// FetchFile implements codehost.Host.
func (h *Host) FetchFile(_ context.Context, _ codehost.Repo, ref, path string) (string, error) {
	if err := h.enter("FetchFile"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	files, ok := h.Files[ref]
	if !ok {
		return "", fmt.Errorf("ref %s: %w", ref, codehost.ErrNotFound)
	}
	content, ok := files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, codehost.ErrNotFound)
	}
	return content, nil
}

// CommitFiles implements codehost.Host.
func (h *Host) CommitFiles(_ context.Context, _ codehost.Repo, parentSHA, message string, files []codehost.FileChange) (string, error) {
	if err := h.enter("CommitFiles"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSHA++
	sha := fmt.Sprintf("commit-%d", h.nextSHA)
	h.Commits = append(h.Commits, Commit{SHA: sha, Parent: parentSHA, Message: message, Files: files})

	snapshot := make(map[string]string, len(h.Files[parentSHA]))
	for k, v := range h.Files[parentSHA] {
		snapshot[k] = v
	}
	for _, f := range files {
		snapshot[f.Path] = f.Content
	}
	h.Files[sha] = snapshot
	return sha, nil
}

// CreateBranch implements codehost.Host.
func (h *Host) CreateBranch(_ context.Context, _ codehost.Repo, branch, sha string) error {
	if err := h.enter("CreateBranch"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.Branches[branch]; ok {
		return codehost.ErrBranchExists
	}
	h.Branches[branch] = sha
	return nil
}

// ResetBranch implements codehost.Host.
func (h *Host) ResetBranch(_ context.Context, _ codehost.Repo, branch, sha string) error {
	if err := h.enter("ResetBranch"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Branches[branch] = sha
	return nil
}

// OpenPullRequest implements codehost.Host.
func (h *Host) OpenPullRequest(_ context.Context, repo codehost.Repo, spec codehost.PullRequestSpec) (*codehost.PullRequest, error) {
	if err := h.enter("OpenPullRequest"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pr := range h.PRs {
		if pr.Branch == spec.Branch {
			pr.Existing = true
			pr.CommitSHA = h.Branches[spec.Branch]
			return &pr, nil
		}
	}
	pr := codehost.PullRequest{
		Branch:    spec.Branch,
		CommitSHA: h.Branches[spec.Branch],
		Number:    len(h.PRs) + 1,
		URL:       fmt.Sprintf("https://github.com/%s/pull/%d", repo, len(h.PRs)+1),
	}
	h.PRs = append(h.PRs, pr)
	h.Specs = append(h.Specs, spec)
	return &pr, nil
}
