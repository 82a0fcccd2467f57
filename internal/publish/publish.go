// Package publish turns an accepted patch set into a pull request: one
// commit on the default branch tip, on a branch named after the issue.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
	"github.com/fyrsmithlabs/selfheal/internal/validate"
)

// DefaultBranchPrefix is prepended to the sanitized issue identifier.
const DefaultBranchPrefix = "fix/"

const maxTitleRunes = 72

// ErrNotAccepted is returned when asked to publish a rejected outcome.
var ErrNotAccepted = errors.New("publish: outcome not accepted")

// Base is the commit a fix is built on.
type Base struct {
	Branch string
	SHA    string
}

// Request is everything one pull request is built from.
type Request struct {
	Repo    codehost.Repo
	Base    Base
	Issue   issues.Issue
	Outcome validate.Outcome
	Set     patch.Set
	Results []patch.Result
	// Note is appended to the pull request body.
	Note string
}

// Options tunes a Publisher.
type Options struct {
	BranchPrefix string
	// BaseBranch overrides the repository's default branch.
	BaseBranch string
	Note       string
}

// Publisher publishes fixes to one code host.
type Publisher struct {
	host   codehost.Host
	opts   Options
	logger *logging.Logger
}

// New creates a Publisher.
func New(host codehost.Host, opts Options, logger *logging.Logger) *Publisher {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = DefaultBranchPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{host: host, opts: opts, logger: logger.Named("publish")}
}

// Base resolves the branch fixes target and its tip commit.
func (p *Publisher) Base(ctx context.Context, repo codehost.Repo) (Base, error) {
	branch := p.opts.BaseBranch
	if branch == "" {
		var err error
		if branch, err = p.host.DefaultBranch(ctx, repo); err != nil {
			return Base{}, fmt.Errorf("default branch: %w", err)
		}
	}
	sha, err := p.host.BranchHead(ctx, repo, branch)
	if err != nil {
		return Base{}, fmt.Errorf("head of %s: %w", branch, err)
	}
	return Base{Branch: branch, SHA: sha}, nil
}

// Branch returns the branch name used for issueID.
func (p *Publisher) Branch(issueID string) string {
	return BranchName(p.opts.BranchPrefix, issueID)
}

// Publish commits the accepted changes on top of req.Base, points the
// issue's branch at the commit and opens (or reuses) the pull request.
// An existing branch of the same name is force-moved; branches are unique
// per issue so only earlier attempts for the same issue are overwritten.
func (p *Publisher) Publish(ctx context.Context, req Request) (*codehost.PullRequest, error) {
	if !req.Outcome.Accepted || len(req.Outcome.Changes) == 0 {
		return nil, ErrNotAccepted
	}

	if req.Note == "" {
		req.Note = p.opts.Note
	}

	files := make([]codehost.FileChange, 0, len(req.Outcome.Changes))
	for _, c := range req.Outcome.Changes {
		files = append(files, codehost.FileChange{Path: c.Path, Content: c.Updated})
	}

	branch := p.Branch(req.Issue.ID)
	sha, err := p.host.CommitFiles(ctx, req.Repo, req.Base.SHA, CommitMessage(req.Issue, req.Set), files)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	err = p.host.CreateBranch(ctx, req.Repo, branch, sha)
	if errors.Is(err, codehost.ErrBranchExists) {
		p.logger.Info(ctx, "branch exists, resetting",
			zap.String("branch", branch),
			zap.String("commit", sha))
		err = p.host.ResetBranch(ctx, req.Repo, branch, sha)
	}
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, err)
	}

	pr, err := p.host.OpenPullRequest(ctx, req.Repo, codehost.PullRequestSpec{
		Branch: branch,
		Base:   req.Base.Branch,
		Title:  Title(req.Issue),
		Body:   Body(req),
	})
	if err != nil {
		return nil, fmt.Errorf("pull request: %w", err)
	}
	pr.CommitSHA = sha

	p.logger.Info(ctx, "pull request published",
		zap.String("repo", req.Repo.String()),
		zap.String("branch", branch),
		zap.String("url", pr.URL),
		zap.Bool("existing", pr.Existing),
		zap.Int("files", len(files)))
	return pr, nil
}

// BranchName derives a git-safe branch name from an issue identifier.
func BranchName(prefix, issueID string) string {
	var b strings.Builder
	dash := false
	for _, r := range issueID {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = true
			continue
		}
		b.WriteRune(r)
		dash = r == '-'
	}
	name := b.String()
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimSuffix(strings.Trim(name, "-."), ".lock")
	if name == "" {
		name = "issue"
	}
	return prefix + name
}

// Title returns "Fix: <title> (<short id>)".
func Title(issue issues.Issue) string {
	title := strings.TrimSpace(strings.SplitN(issue.Title, "\n", 2)[0])
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes-1]) + "…"
	}
	return fmt.Sprintf("Fix: %s (%s)", title, issue.DisplayID())
}

// CommitMessage returns the message of the fix commit.
func CommitMessage(issue issues.Issue, set patch.Set) string {
	msg := Title(issue)
	if set.Explanation != "" {
		msg += "\n\n" + set.Explanation
	}
	return msg + "\n\nRefs: " + issue.DisplayID()
}
