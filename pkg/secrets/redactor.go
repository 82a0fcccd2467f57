package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// Redact replaces every detected secret in content with a
// [REDACTED:rule-id] marker and returns the number of redactions.
func (s *Scanner) Redact(content string) (string, int) {
	findings := s.Detect(content)
	if len(findings) == 0 {
		return content, 0
	}
	return replaceFindings(content, findings), len(findings)
}

// replaceFindings works backwards through findings to preserve indices.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.Line < 1 || f.Line > len(lines) {
			continue
		}
		line := lines[f.Line-1]
		marker := fmt.Sprintf("[REDACTED:%s]", f.RuleID)

		// Column offsets from gitleaks are not always exact; fall back to
		// replacing the secret text itself.
		if f.StartCol >= 0 && f.EndCol <= len(line) && f.StartCol < f.EndCol && line[f.StartCol:f.EndCol] == f.Match {
			lines[f.Line-1] = line[:f.StartCol] + marker + line[f.EndCol:]
			continue
		}
		if f.Match != "" {
			lines[f.Line-1] = strings.ReplaceAll(line, f.Match, marker)
		}
	}
	return strings.Join(lines, "\n")
}
