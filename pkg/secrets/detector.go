// Package secrets detects and redacts credentials in source text using the
// Gitleaks SDK.
package secrets

import (
	"fmt"
	"regexp"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding represents a detected secret with location information.
type Finding struct {
	RuleID   string // Gitleaks rule ID (e.g., "github-pat")
	RuleDesc string // Human-readable description
	Line     int    // Line number where secret was found
	StartCol int    // Start column (0-indexed)
	EndCol   int    // End column (0-indexed)
	Match    string // The actual secret value
}

// Scanner wraps a Gitleaks detector built once with the default rule set.
// It is safe for concurrent use.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner. allowlist may be nil.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if !allowlist.Empty() {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Scanner{detector: detector}, nil
}

// Detect scans content and returns findings with position information.
func (s *Scanner) Detect(content string) []Finding {
	if content == "" {
		return nil
	}
	s.mu.Lock()
	gitleaksFindings := s.detector.DetectString(content)
	s.mu.Unlock()

	result := make([]Finding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return result
}

// Introduced returns findings in updated whose rule and secret value do not
// already occur in original.
func (s *Scanner) Introduced(original, updated string) []Finding {
	type key struct{ rule, match string }
	existing := make(map[key]bool)
	for _, f := range s.Detect(original) {
		existing[key{f.RuleID, f.Match}] = true
	}
	var out []Finding
	for _, f := range s.Detect(updated) {
		if !existing[key{f.RuleID, f.Match}] {
			out = append(out, f)
		}
	}
	return out
}

// applyAllowlist merges allowlist patterns into Gitleaks config.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "selfheal repository allowlist",
	}

	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
