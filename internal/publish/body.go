package publish

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/patch"
)

// Body renders the pull request description.
func Body(req Request) string {
	var b strings.Builder
	iss := req.Issue

	fmt.Fprintf(&b, "## Automated fix for %s\n\n", iss.DisplayID())
	if iss.Permalink != "" {
		fmt.Fprintf(&b, "**Issue:** [%s](%s) %s\n", iss.DisplayID(), iss.Permalink, iss.Title)
	} else {
		fmt.Fprintf(&b, "**Issue:** %s %s\n", iss.DisplayID(), iss.Title)
	}
	if iss.Culprit != "" {
		fmt.Fprintf(&b, "**Culprit:** `%s`\n", iss.Culprit)
	}
	if iss.Count > 0 {
		fmt.Fprintf(&b, "**Occurrences:** %d\n", iss.Count)
	}

	if req.Set.Explanation != "" {
		b.WriteString("\n### Summary\n")
		b.WriteString(req.Set.Explanation)
		b.WriteString("\n")
	}

	b.WriteString("\n### Changes\n")
	for _, r := range req.Results {
		fmt.Fprintf(&b, "- `%s`", r.Edit.FilePath)
		if r.StartLine > 0 {
			fmt.Fprintf(&b, " lines %d-%d", r.StartLine, r.EndLine)
		}
		if r.Strategy != patch.StrategyExact {
			fmt.Fprintf(&b, " (%s match, score %.2f)", r.Strategy, r.Score)
		}
		if r.Edit.Rationale != "" {
			fmt.Fprintf(&b, ": %s", r.Edit.Rationale)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n### Validation\n")
	fmt.Fprintf(&b, "- [x] All %d edits applied\n", len(req.Results))
	b.WriteString("- [x] Changed files parse\n")
	b.WriteString("- [x] No file shrank below half its size\n")
	b.WriteString("- [x] No new secrets detected\n")
	b.WriteString("- [ ] Reviewed by a maintainer\n")

	if req.Note != "" {
		b.WriteString("\n")
		b.WriteString(req.Note)
		b.WriteString("\n")
	}

	b.WriteString("\n---\n\n")
	b.WriteString("**Note**: This change was generated automatically from a production error report. ")
	b.WriteString("It has not been run or tested. Review it like any other contribution before merging.\n")
	return b.String()
}
