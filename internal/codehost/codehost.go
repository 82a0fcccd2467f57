// Package codehost defines the code host contract used to read repository
// files and publish fixes as pull requests.
package codehost

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/selfheal/internal/config"
)

var (
	ErrNotFound      = errors.New("codehost: not found")
	ErrBranchExists  = errors.New("codehost: branch already exists")
	ErrNotAFile      = errors.New("codehost: path is not a file")
	ErrUnauthorized  = errors.New("codehost: credential rejected")
	ErrMissingToken  = errors.New("codehost: token not set")
	ErrInvalidChange = errors.New("codehost: invalid file change")
)

// Repo addresses a repository.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// FileChange is the full new content of one file.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PullRequestSpec describes a pull request to open.
type PullRequestSpec struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// PullRequest is an opened (or already open) pull request.
type PullRequest struct {
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
	URL       string `json:"url"`
	Number    int    `json:"number"`
	// Existing is true when an open pull request for the branch was reused.
	Existing bool `json:"existing"`
}

// Host is the code host contract. Implementations bind one credential.
type Host interface {
	DefaultBranch(ctx context.Context, repo Repo) (string, error)
	// BranchHead returns the commit SHA at the tip of branch, or ErrNotFound.
	BranchHead(ctx context.Context, repo Repo, branch string) (string, error)
	// FetchFile returns the file content at ref, or ErrNotFound.
	FetchFile(ctx context.Context, repo Repo, ref, path string) (string, error)
	// CommitFiles creates a single commit with parent parentSHA containing
	// every change, without moving any branch. It returns the commit SHA.
	CommitFiles(ctx context.Context, repo Repo, parentSHA, message string, files []FileChange) (string, error)
	// CreateBranch points a new branch at sha, or returns ErrBranchExists.
	CreateBranch(ctx context.Context, repo Repo, branch, sha string) error
	// ResetBranch force-moves an existing branch to sha.
	ResetBranch(ctx context.Context, repo Repo, branch, sha string) error
	// OpenPullRequest opens a pull request, or returns the open one for the
	// same head branch.
	OpenPullRequest(ctx context.Context, repo Repo, spec PullRequestSpec) (*PullRequest, error)
}

// Dialer creates a Host bound to one tenant's credential.
type Dialer func(ctx context.Context, token config.Secret) (Host, error)

// Error is a failed code host call.
type Error struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("codehost %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("codehost %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Retryable
	}
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotAFile)
}
