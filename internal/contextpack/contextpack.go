// Package contextpack turns an issue's stack trace into the source context
// the fix oracle needs: for each application frame, the smallest enclosing
// function or class of the file at the revision the error was observed on.
package contextpack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/lang"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

const (
	DefaultMaxFrames    = 5
	DefaultWindowLines  = 50
	DefaultMaxUnitLines = 400
)

// ErrNoContext means no frame of the issue could be resolved to a file.
var ErrNoContext = errors.New("no resolvable context")

// Excerpt is one code region shown to the oracle.
type Excerpt struct {
	FilePath  string
	Language  lang.Language
	Content   string
	Start     int // first line, 1-based
	End       int // last line, inclusive
	ErrorLine int
	Unit      Unit
	Symbol    string
	Ref       string
}

// Pack is the context for one issue.
type Pack struct {
	Issue        issues.Issue
	Ref          string
	Excerpts     []Excerpt
	Imports      []string
	StackSummary []string
	// Files holds the full content of every file an excerpt came from, as
	// of Ref.
	Files map[string]string
}

// Options tunes the builder.
type Options struct {
	MaxFrames    int
	WindowLines  int
	MaxUnitLines int
}

// Builder builds packs from a code host.
type Builder struct {
	host   codehost.Host
	opts   Options
	logger *logging.Logger
}

// NewBuilder creates a Builder. Zero options take their defaults.
func NewBuilder(host codehost.Host, opts Options, logger *logging.Logger) *Builder {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.WindowLines <= 0 {
		opts.WindowLines = DefaultWindowLines
	}
	if opts.MaxUnitLines <= 0 {
		opts.MaxUnitLines = DefaultMaxUnitLines
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{host: host, opts: opts, logger: logger}
}

// Build assembles the pack for issue. Files are read at the issue's observed
// commit when known, else at the tip of the default branch. Frames whose
// file cannot be found are omitted; ErrNoContext is returned when none
// remain. Other code host errors are returned as is.
func (b *Builder) Build(ctx context.Context, repo codehost.Repo, issue issues.Issue) (*Pack, error) {
	frames := SelectFrames(issue.Frames, b.opts.MaxFrames)
	if len(frames) == 0 {
		return nil, ErrNoContext
	}

	f := &fetcher{host: b.host, repo: repo, observed: issue.CommitSHA, cache: map[string]fetched{}}
	pack := &Pack{
		Issue:        issue,
		Files:        map[string]string{},
		StackSummary: stackSummary(issue.Frames, 5),
	}

	seen := map[string]bool{}
	for _, frame := range frames {
		path, content, ref, err := f.resolve(ctx, frame)
		if err != nil {
			return nil, err
		}
		if path == "" {
			b.logger.Debug(ctx, "frame omitted: file not found",
				zap.String("frame.path", frame.Path()),
				zap.Int("frame.line", frame.LineNo))
			continue
		}

		ex := b.excerpt(path, content, frame.LineNo)
		ex.Ref = ref
		key := fmt.Sprintf("%s:%d-%d", ex.FilePath, ex.Start, ex.End)
		if seen[key] {
			continue
		}
		seen[key] = true

		if pack.Ref == "" {
			pack.Ref = ref
			pack.Imports = extractImports(ex.Language, content)
		}
		pack.Files[path] = content
		pack.Excerpts = append(pack.Excerpts, ex)
	}

	if len(pack.Excerpts) == 0 {
		return nil, ErrNoContext
	}
	return pack, nil
}

func (b *Builder) excerpt(path, content string, line int) Excerpt {
	l := lang.Detect(path)
	lines := splitContent(content)
	if line > len(lines) {
		line = len(lines)
	}

	s, ok := enclosingUnit(l, path, content, line)
	if !ok || s.size() > b.opts.MaxUnitLines {
		s = windowAround(len(lines), line, b.opts.WindowLines)
	}
	return Excerpt{
		FilePath:  path,
		Language:  l,
		Content:   strings.Join(lines[s.start-1:s.end], "\n"),
		Start:     s.start,
		End:       s.end,
		ErrorLine: line,
		Unit:      s.unit,
		Symbol:    s.symbol,
	}
}

type fetched struct {
	content, ref string
	found        bool
}

// fetcher caches file reads for one pack.
type fetcher struct {
	host     codehost.Host
	repo     codehost.Repo
	observed string
	fallback string
	cache    map[string]fetched
}

func (f *fetcher) resolve(ctx context.Context, frame issues.StackFrame) (path, content, ref string, err error) {
	var candidates []string
	for _, raw := range []string{frame.Filename, frame.AbsPath} {
		candidates = append(candidates, CandidatePaths(raw)...)
	}
	tried := map[string]bool{}
	for _, p := range candidates {
		if tried[p] {
			continue
		}
		tried[p] = true
		got, err := f.fetch(ctx, p)
		if err != nil {
			return "", "", "", err
		}
		if got.found {
			return p, got.content, got.ref, nil
		}
	}
	return "", "", "", nil
}

func (f *fetcher) fetch(ctx context.Context, path string) (fetched, error) {
	if got, ok := f.cache[path]; ok {
		return got, nil
	}

	var got fetched
	if f.observed != "" {
		content, err := f.host.FetchFile(ctx, f.repo, f.observed, path)
		switch {
		case err == nil:
			got = fetched{content: content, ref: f.observed, found: true}
		case !errors.Is(err, codehost.ErrNotFound) && !errors.Is(err, codehost.ErrNotAFile):
			return fetched{}, err
		}
	}

	if !got.found {
		if f.fallback == "" {
			branch, err := f.host.DefaultBranch(ctx, f.repo)
			if err != nil {
				return fetched{}, fmt.Errorf("default branch: %w", err)
			}
			f.fallback = branch
		}
		content, err := f.host.FetchFile(ctx, f.repo, f.fallback, path)
		switch {
		case err == nil:
			got = fetched{content: content, ref: f.fallback, found: true}
		case !errors.Is(err, codehost.ErrNotFound) && !errors.Is(err, codehost.ErrNotAFile):
			return fetched{}, err
		}
	}

	f.cache[path] = got
	return got, nil
}

func stackSummary(frames []issues.StackFrame, n int) []string {
	var out []string
	for i := len(frames) - 1; i >= 0 && len(out) < n; i-- {
		f := frames[i]
		entry := fmt.Sprintf("%s:%d", f.Path(), f.LineNo)
		if f.Function != "" {
			entry += " in " + f.Function
		}
		out = append(out, entry)
	}
	return out
}
