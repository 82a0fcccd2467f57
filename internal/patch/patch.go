// Package patch applies search/replace edits proposed by the fix oracle to
// in-memory file contents, tolerating drift between the code the oracle saw
// and the code it is applied to.
//
// Each edit is located by exact substring first. Failing that, a sliding
// window of lines is scored against the search block and the best window at
// or above the threshold is replaced. The applier reports per-edit results;
// whether a set is accepted is the validator's decision.
package patch

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// DefaultThreshold is the minimum window score accepted for a fuzzy match.
const DefaultThreshold = 0.6

var (
	ErrEmptySet    = errors.New("patch: set has no edits")
	ErrEmptySearch = errors.New("patch: edit has empty search block")
	ErrUnsafePath  = errors.New("patch: unsafe file path")
)

// Edit replaces one block of a file.
type Edit struct {
	FilePath  string `json:"filepath"`
	Search    string `json:"search"`
	Replace   string `json:"replace"`
	Rationale string `json:"rationale,omitempty"`
}

// Set is an ordered group of edits that must apply together.
type Set struct {
	Edits       []Edit  `json:"edits"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

// Validate checks the structural rules every set must satisfy.
func (s Set) Validate() error {
	if len(s.Edits) == 0 {
		return ErrEmptySet
	}
	for i, e := range s.Edits {
		if strings.TrimSpace(e.Search) == "" {
			return fmt.Errorf("edit %d: %w", i+1, ErrEmptySearch)
		}
		if err := CheckPath(e.FilePath); err != nil {
			return fmt.Errorf("edit %d: %w", i+1, err)
		}
	}
	return nil
}

// Files returns the distinct file paths touched by the set, in first-use order.
func (s Set) Files() []string {
	seen := make(map[string]bool, len(s.Edits))
	var out []string
	for _, e := range s.Edits {
		if !seen[e.FilePath] {
			seen[e.FilePath] = true
			out = append(out, e.FilePath)
		}
	}
	return out
}

// CheckPath rejects absolute paths, parent traversal and unclean paths.
func CheckPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty", ErrUnsafePath)
	case strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || (len(p) > 1 && p[1] == ':'):
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePath, p)
	case strings.Contains(p, `\`):
		return fmt.Errorf("%w: %q uses backslashes", ErrUnsafePath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes the repository", ErrUnsafePath, p)
		}
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %q is not clean", ErrUnsafePath, p)
	}
	return nil
}

// Strategy records how an edit was located.
type Strategy string

const (
	// StrategyExact is a byte-exact substring match.
	StrategyExact Strategy = "exact"
	// StrategyNormalized matched every line after whitespace normalization.
	StrategyNormalized Strategy = "normalized"
	// StrategyFuzzy matched above the threshold but not line-for-line.
	StrategyFuzzy Strategy = "fuzzy"
)

// Unmatched reasons.
const (
	ReasonBelowThreshold = "below similarity threshold"
	ReasonFileMissing    = "file not in context"
	ReasonEmptySearch    = "empty search block"
)

// Result is the outcome of applying one edit: either Applied or Unmatched.
type Result struct {
	Edit    Edit `json:"edit"`
	Applied bool `json:"applied"`

	// Set when Applied.
	NewContent string   `json:"-"`
	Score      float64  `json:"score"`
	Strategy   Strategy `json:"strategy,omitempty"`
	StartLine  int      `json:"start_line,omitempty"`
	EndLine    int      `json:"end_line,omitempty"`

	// Set when unmatched.
	Reason    string  `json:"reason,omitempty"`
	BestScore float64 `json:"best_score,omitempty"`
}

// Options tunes matching.
type Options struct {
	Threshold float64
}

// AllApplied reports whether every result is Applied.
func AllApplied(results []Result) bool {
	for _, r := range results {
		if !r.Applied {
			return false
		}
	}
	return len(results) > 0
}

// Apply applies set to files in order. Edits to the same file see the
// content produced by earlier edits. It returns one result per edit and the
// final content of every file touched by an applied edit. files is not
// modified.
func Apply(files map[string]string, set Set, opts Options) ([]Result, map[string]string) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	current := make(map[string]string)
	results := make([]Result, 0, len(set.Edits))
	for _, e := range set.Edits {
		content, ok := current[e.FilePath]
		if !ok {
			content, ok = files[e.FilePath]
		}
		if !ok {
			results = append(results, Result{Edit: e, Reason: ReasonFileMissing})
			continue
		}
		if strings.TrimSpace(e.Search) == "" {
			results = append(results, Result{Edit: e, Reason: ReasonEmptySearch})
			continue
		}

		r := applyOne(content, e, opts.Threshold)
		if r.Applied {
			current[e.FilePath] = r.NewContent
		}
		results = append(results, r)
	}
	return results, current
}

func applyOne(content string, e Edit, threshold float64) Result {
	eol := lineEnding(content)

	search, replace := e.Search, e.Replace
	if eol == "\r\n" && !strings.Contains(search, "\r\n") {
		search = strings.ReplaceAll(search, "\n", "\r\n")
		replace = strings.ReplaceAll(replace, "\n", "\r\n")
	}
	if i := strings.Index(content, search); i >= 0 {
		return Result{
			Edit:       e,
			Applied:    true,
			NewContent: content[:i] + replace + content[i+len(search):],
			Score:      1.0,
			Strategy:   StrategyExact,
			StartLine:  strings.Count(content[:i], "\n") + 1,
			EndLine:    strings.Count(content[:i+len(search)], "\n") + 1,
		}
	}

	m := findBestWindow(content, e.Search)
	if m.score < threshold {
		return Result{Edit: e, Reason: ReasonBelowThreshold, BestScore: m.score}
	}

	strategy := StrategyFuzzy
	if m.score >= 1.0 {
		strategy = StrategyNormalized
	}
	return Result{
		Edit:       e,
		Applied:    true,
		NewContent: spliceLines(content, m.start, m.end, e.Search, e.Replace, eol),
		Score:      m.score,
		Strategy:   strategy,
		StartLine:  m.start + 1,
		EndLine:    m.end,
	}
}

// lineEnding returns "\r\n" when the content predominantly uses CRLF.
func lineEnding(content string) string {
	crlf := strings.Count(content, "\r\n")
	if crlf > 0 && crlf*2 >= strings.Count(content, "\n") {
		return "\r\n"
	}
	return "\n"
}
