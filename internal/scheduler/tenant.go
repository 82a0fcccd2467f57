package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/pipeline"
	"github.com/fyrsmithlabs/selfheal/internal/repoconfig"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// errFatal marks tenant errors that suspend the tenant with back-off.
var errFatal = errors.New("fatal tenant error")

type pollResult struct {
	outcomes map[pipeline.Status]int
	err      error
}

// candidate is one fetched issue bound to the repository it belongs to.
type candidate struct {
	issue  issues.Issue
	target pipeline.Target
}

// pollTenant processes one tenant and records its success or failure.
func (s *Scheduler) pollTenant(ctx context.Context, cfg tenant.Config) pollResult {
	ctx = logging.WithTenantKey(ctx, cfg.Key)
	res := pollResult{outcomes: make(map[pipeline.Status]int)}

	watermark, err := s.processTenant(ctx, cfg, res.outcomes)
	res.err = err
	bg := context.WithoutCancel(ctx)

	if errors.Is(err, errFatal) {
		TenantPolls.WithLabelValues("fatal").Inc()
		until, rerr := s.deps.Registry.RecordFailure(bg, cfg.Key, err.Error())
		if rerr != nil {
			s.logger.Error(ctx, "record tenant failure", zap.Error(rerr))
			return res
		}
		s.logger.Warn(ctx, "tenant suspended",
			zap.Error(err),
			zap.Time("until", until))
		return res
	}

	if err != nil {
		TenantPolls.WithLabelValues("error").Inc()
		s.logger.Warn(ctx, "tenant poll incomplete", zap.Error(err))
	} else {
		TenantPolls.WithLabelValues("ok").Inc()
	}
	if rerr := s.deps.Registry.RecordSuccess(bg, cfg.Key, watermark); rerr != nil {
		s.logger.Error(ctx, "record tenant watermark", zap.Error(rerr))
	}
	return res
}

// processTenant fetches and dispatches the tenant's new issues and returns
// the watermark to store. A non-nil error wrapping errFatal suspends the
// tenant; other errors leave the watermark where it was for the projects
// that could not be listed.
func (s *Scheduler) processTenant(ctx context.Context, cfg tenant.Config, outcomes map[pipeline.Status]int) (time.Time, error) {
	watermark := cfg.Watermark

	creds, err := s.deps.Resolver.Resolve(ctx, cfg)
	if err != nil {
		return watermark, fmt.Errorf("%w: %v", errFatal, err)
	}
	host, err := s.deps.Dial(ctx, creds.CodeHostToken)
	if err != nil {
		if errors.Is(err, codehost.ErrUnauthorized) || errors.Is(err, codehost.ErrMissingToken) {
			return watermark, fmt.Errorf("%w: code host: %v", errFatal, err)
		}
		return watermark, fmt.Errorf("code host: %w", err)
	}

	ep := issues.Endpoint{BaseURL: cfg.Endpoint(), Org: cfg.IssueOrg, Token: creds.IssueToken}
	owner := cfg.Owner
	if owner == "" {
		owner = cfg.IssueOrg
	}
	projects := cfg.Projects

	var fixed *codehost.Repo
	if cfg.Repository != "" {
		repo := codehost.Repo{Owner: owner, Name: cfg.Repository}
		fixed = &repo
		if s.opts.OverrideFiles {
			ov, err := s.loadOverride(ctx, host, repo)
			if err != nil {
				// Unreadable overrides fall back to the tenant's settings.
				s.logger.Warn(ctx, "override file ignored", zap.String("repo", repo.String()), zap.Error(err))
			}
			if !ov.Empty() {
				ep = applyOverride(ep, ov)
				if len(projects) == 0 {
					projects = ov.Projects
				}
				s.logger.Debug(ctx, "override applied",
					zap.String("repo", repo.String()),
					zap.Strings("sources", ov.Sources))
			}
		}
	}

	if len(projects) == 0 {
		list, err := s.deps.Source.ListProjects(ctx, ep)
		if err != nil {
			return watermark, sourceError("list projects", err)
		}
		for _, p := range list {
			projects = append(projects, p.Slug)
		}
	}

	var linked []issues.Repository
	if fixed == nil {
		if linked, err = s.deps.Source.ListRepositories(ctx, ep); err != nil {
			if issues.IsCredentialError(err) {
				return watermark, sourceError("list repositories", err)
			}
			s.logger.Warn(ctx, "repository links unavailable, using project slugs", zap.Error(err))
		}
	}

	var (
		candidates []candidate
		listErr    error
	)
	for _, project := range projects {
		found, err := s.deps.Source.ListUnresolvedIssues(ctx, ep, project, cfg.Watermark)
		if err != nil {
			if issues.IsCredentialError(err) {
				return watermark, sourceError("list issues", err)
			}
			listErr = errors.Join(listErr, fmt.Errorf("project %s: %w", project, err))
			continue
		}
		target := pipeline.Target{
			Tenant:   cfg,
			Endpoint: ep,
			Repo:     repoFor(project, owner, fixed, linked),
			Host:     host,
		}
		for _, iss := range found {
			candidates = append(candidates, candidate{issue: iss, target: target})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].issue.FirstSeen.Before(candidates[j].issue.FirstSeen)
	})

	var (
		newest     = watermark
		holdBefore time.Time
		dispatched int
	)
	hold := func(iss issues.Issue) {
		if holdBefore.IsZero() || iss.LastSeen.Before(holdBefore) {
			holdBefore = iss.LastSeen
		}
	}
	advance := func(iss issues.Issue) {
		if iss.LastSeen.After(newest) {
			newest = iss.LastSeen
		}
	}

	for _, c := range candidates {
		seen, err := s.deps.Ledger.Seen(ctx, cfg.Key, c.issue.ID)
		if err != nil {
			s.logger.Warn(ctx, "ledger lookup failed", zap.String("issue.id", c.issue.ID), zap.Error(err))
			hold(c.issue)
			continue
		}
		if seen {
			advance(c.issue)
			continue
		}
		if ctx.Err() != nil || (s.opts.IssuesPerPoll > 0 && dispatched >= s.opts.IssuesPerPoll) {
			hold(c.issue)
			continue
		}

		dispatched++
		out := s.deps.Dispatcher.Dispatch(ctx, c.target, c.issue)
		outcomes[out.Status]++
		IssuesDispatched.WithLabelValues(string(out.Status)).Inc()
		if out.Status.Terminal() {
			advance(c.issue)
		} else {
			hold(c.issue)
		}
	}

	// Issues that did not finish must come back on the next poll, whose
	// query returns issues last seen strictly after the watermark.
	if !holdBefore.IsZero() && !newest.Before(holdBefore) {
		newest = holdBefore.Add(-time.Nanosecond)
	}
	if listErr != nil {
		return watermark, listErr
	}
	s.logger.Debug(ctx, "tenant polled",
		zap.Int("issues", len(candidates)),
		zap.Int("dispatched", dispatched),
		zap.Time("watermark", newest))
	return newest, nil
}

func (s *Scheduler) loadOverride(ctx context.Context, host codehost.Host, repo codehost.Repo) (*repoconfig.Override, error) {
	branch, err := host.DefaultBranch(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("default branch: %w", err)
	}
	return repoconfig.Load(ctx, host, repo, branch)
}

func applyOverride(ep issues.Endpoint, ov *repoconfig.Override) issues.Endpoint {
	if ov.Org != "" {
		ep.Org = ov.Org
	}
	if ov.Token.IsSet() {
		ep.Token = ov.Token
	}
	if u := ov.Endpoint(); u != "" {
		ep.BaseURL = u
	}
	return ep
}

// repoFor maps a project to its repository: the tenant's fixed repository,
// else the only linked repository, else the linked repository named after
// the project, else a repository named after the project.
func repoFor(project, owner string, fixed *codehost.Repo, linked []issues.Repository) codehost.Repo {
	if fixed != nil {
		return *fixed
	}
	if len(linked) == 1 {
		return codehost.Repo{Owner: linked[0].Owner, Name: linked[0].Name}
	}
	for _, r := range linked {
		if r.Name == project {
			return codehost.Repo{Owner: r.Owner, Name: r.Name}
		}
	}
	return codehost.Repo{Owner: owner, Name: project}
}

func sourceError(op string, err error) error {
	if issues.IsCredentialError(err) {
		return fmt.Errorf("%w: %s: %v", errFatal, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
