// Package github implements codehost.Host with the GitHub REST API.
//
// Fixes are committed through the Git data API (tree, commit, ref) so every
// changed file lands in a single commit.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

const defaultTimeout = 30 * time.Second

// Config configures the GitHub host.
type Config struct {
	// BaseURL overrides the API root, for GitHub Enterprise or tests.
	BaseURL string
	Timeout time.Duration
	Retry   RetryConfig
}

// Host is a codehost.Host bound to one token.
type Host struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

var _ codehost.Host = (*Host)(nil)

// NewHost creates a GitHub host authenticated with token.
func NewHost(ctx context.Context, cfg Config, token config.Secret, logger *logging.Logger) (*Host, error) {
	if !token.IsSet() {
		return nil, codehost.ErrMissingToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse GitHub base URL: %w", err)
		}
		client.BaseURL = u
	}

	return &Host{client: client, cfg: cfg, logger: logger.Named("github")}, nil
}

// Dialer returns a codehost.Dialer building hosts from cfg.
func Dialer(cfg Config, logger *logging.Logger) codehost.Dialer {
	return func(ctx context.Context, token config.Secret) (codehost.Host, error) {
		return NewHost(ctx, cfg, token, logger)
	}
}

// call runs one API operation with a per-call timeout and retries, and maps
// the failure into a codehost.Error.
func (h *Host) call(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	resp, err := withRetry(ctx, h.cfg.Retry, h.logger, op, func() (*github.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err == nil {
		return nil
	}

	status := getStatusCode(resp)
	herr := &codehost.Error{
		Op:        op,
		Status:    status,
		Retryable: isRetryableError(err, resp) || status == http.StatusUnauthorized || status == http.StatusForbidden,
		Err:       err,
	}
	switch status {
	case http.StatusNotFound:
		herr.Err = fmt.Errorf("%w: %v", codehost.ErrNotFound, err)
		herr.Retryable = false
	case http.StatusUnauthorized, http.StatusForbidden:
		herr.Err = fmt.Errorf("%w: %v", codehost.ErrUnauthorized, err)
	}
	return herr
}

// DefaultBranch implements codehost.Host.
func (h *Host) DefaultBranch(ctx context.Context, repo codehost.Repo) (string, error) {
	var branch string
	err := h.call(ctx, "get repository", func(ctx context.Context) (*github.Response, error) {
		r, resp, err := h.client.Repositories.Get(ctx, repo.Owner, repo.Name)
		if err == nil {
			branch = r.GetDefaultBranch()
		}
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if branch == "" {
		branch = "main"
	}
	return branch, nil
}

// BranchHead implements codehost.Host.
func (h *Host) BranchHead(ctx context.Context, repo codehost.Repo, branch string) (string, error) {
	var sha string
	err := h.call(ctx, "get ref", func(ctx context.Context) (*github.Response, error) {
		ref, resp, err := h.client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
		if err == nil {
			sha = ref.GetObject().GetSHA()
		}
		return resp, err
	})
	return sha, err
}

// FetchFile implements codehost.Host.
func (h *Host) FetchFile(ctx context.Context, repo codehost.Repo, ref, filePath string) (string, error) {
	var content string
	err := h.call(ctx, "get contents", func(ctx context.Context) (*github.Response, error) {
		file, _, resp, err := h.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, filePath,
			&github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return resp, err
		}
		if file == nil {
			return resp, fmt.Errorf("%w: %s", codehost.ErrNotAFile, filePath)
		}
		content, err = file.GetContent()
		return resp, err
	})
	return content, err
}

// CommitFiles implements codehost.Host.
func (h *Host) CommitFiles(ctx context.Context, repo codehost.Repo, parentSHA, message string, files []codehost.FileChange) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no files", codehost.ErrInvalidChange)
	}
	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		clean := path.Clean(f.Path)
		if f.Path == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return "", fmt.Errorf("%w: %q", codehost.ErrInvalidChange, f.Path)
		}
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(clean),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(f.Content),
		})
	}

	var baseTree string
	err := h.call(ctx, "get commit", func(ctx context.Context) (*github.Response, error) {
		c, resp, err := h.client.Git.GetCommit(ctx, repo.Owner, repo.Name, parentSHA)
		if err == nil {
			baseTree = c.GetTree().GetSHA()
		}
		return resp, err
	})
	if err != nil {
		return "", err
	}

	var tree *github.Tree
	err = h.call(ctx, "create tree", func(ctx context.Context) (*github.Response, error) {
		t, resp, err := h.client.Git.CreateTree(ctx, repo.Owner, repo.Name, baseTree, entries)
		tree = t
		return resp, err
	})
	if err != nil {
		return "", err
	}

	var sha string
	err = h.call(ctx, "create commit", func(ctx context.Context) (*github.Response, error) {
		c, resp, err := h.client.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
			Message: github.String(message),
			Tree:    &github.Tree{SHA: tree.SHA},
			Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
		}, nil)
		if err == nil {
			sha = c.GetSHA()
		}
		return resp, err
	})
	return sha, err
}

// CreateBranch implements codehost.Host.
func (h *Host) CreateBranch(ctx context.Context, repo codehost.Repo, branch, sha string) error {
	err := h.call(ctx, "create ref", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := h.client.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(sha)},
		})
		return resp, err
	})
	var herr *codehost.Error
	if errors.As(err, &herr) && herr.Status == http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: %s", codehost.ErrBranchExists, branch)
	}
	return err
}

// ResetBranch implements codehost.Host.
func (h *Host) ResetBranch(ctx context.Context, repo codehost.Repo, branch, sha string) error {
	return h.call(ctx, "update ref", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := h.client.Git.UpdateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(sha)},
		}, true)
		return resp, err
	})
}

// OpenPullRequest implements codehost.Host.
func (h *Host) OpenPullRequest(ctx context.Context, repo codehost.Repo, spec codehost.PullRequestSpec) (*codehost.PullRequest, error) {
	var existing []*github.PullRequest
	err := h.call(ctx, "list pull requests", func(ctx context.Context) (*github.Response, error) {
		prs, resp, err := h.client.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
			State: "open",
			Head:  repo.Owner + ":" + spec.Branch,
		})
		existing = prs
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	for _, pr := range existing {
		if pr.GetHead().GetRef() == spec.Branch {
			return &codehost.PullRequest{
				Branch:    spec.Branch,
				CommitSHA: pr.GetHead().GetSHA(),
				URL:       pr.GetHTMLURL(),
				Number:    pr.GetNumber(),
				Existing:  true,
			}, nil
		}
	}

	var created *github.PullRequest
	err = h.call(ctx, "create pull request", func(ctx context.Context) (*github.Response, error) {
		pr, resp, err := h.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title:               github.String(spec.Title),
			Head:                github.String(spec.Branch),
			Base:                github.String(spec.Base),
			Body:                github.String(spec.Body),
			MaintainerCanModify: github.Bool(true),
		})
		created = pr
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &codehost.PullRequest{
		Branch:    spec.Branch,
		CommitSHA: created.GetHead().GetSHA(),
		URL:       created.GetHTMLURL(),
		Number:    created.GetNumber(),
	}, nil
}
