package contextpack

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
)

const maxImports = 30

// ErrorMarker prefixes the error line in rendered excerpts.
const ErrorMarker = ">>>"

// Prompt renders the pack as the oracle's user message.
func (p *Pack) Prompt() string {
	var b strings.Builder
	iss := p.Issue

	fmt.Fprintf(&b, "## Issue %s: %s\n", iss.DisplayID(), iss.Title)
	if iss.Culprit != "" {
		fmt.Fprintf(&b, "Culprit: %s\n", iss.Culprit)
	}
	if iss.Level != "" {
		fmt.Fprintf(&b, "Level: %s\n", iss.Level)
	}
	if iss.Count > 0 {
		fmt.Fprintf(&b, "Occurrences: %d\n", iss.Count)
	}
	if iss.Project != "" {
		fmt.Fprintf(&b, "Project: %s\n", iss.Project)
	}

	if len(p.StackSummary) > 0 {
		b.WriteString("\n## Stack (most recent call first)\n")
		for _, s := range p.StackSummary {
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}

	if len(p.Imports) > 0 && len(p.Excerpts) > 0 {
		fmt.Fprintf(&b, "\n## Imports of %s\n", p.Excerpts[0].FilePath)
		for _, imp := range p.Imports {
			fmt.Fprintf(&b, "  %s\n", imp)
		}
	}

	b.WriteString("\n## Code\n")
	for _, ex := range p.Excerpts {
		writeExcerpt(&b, ex)
	}
	return b.String()
}

func writeExcerpt(b *strings.Builder, ex Excerpt) {
	fmt.Fprintf(b, "\n### %s (lines %d-%d", ex.FilePath, ex.Start, ex.End)
	if ex.Symbol != "" {
		fmt.Fprintf(b, ", %s %s", ex.Unit, ex.Symbol)
	}
	b.WriteString(")\n")
	fmt.Fprintf(b, "```%s\n", ex.Language)

	width := len(fmt.Sprint(ex.End))
	for i, line := range strings.Split(ex.Content, "\n") {
		n := ex.Start + i
		marker := strings.Repeat(" ", len(ErrorMarker))
		if n == ex.ErrorLine {
			marker = ErrorMarker
		}
		fmt.Fprintf(b, "%s %*d | %s\n", marker, width, n, line)
	}
	b.WriteString("```\n")
}

// Redactor masks secrets in text.
type Redactor interface {
	Redact(content string) (string, int)
}

// Redact masks secrets in excerpt content before it leaves the process and
// returns the number of redactions. Files are left untouched.
func (p *Pack) Redact(r Redactor) int {
	total := 0
	for i := range p.Excerpts {
		redacted, n := r.Redact(p.Excerpts[i].Content)
		p.Excerpts[i].Content = redacted
		total += n
	}
	return total
}

// extractImports lists the import statements of a file.
func extractImports(l lang.Language, content string) []string {
	var prefixes []string
	switch l {
	case lang.Python:
		prefixes = []string{"import ", "from "}
	case lang.JavaScript, lang.TypeScript:
		prefixes = []string{"import ", "const ", "let ", "var "}
	case lang.Java, lang.Kotlin, lang.Swift:
		prefixes = []string{"import "}
	case lang.C, lang.Cpp:
		prefixes = []string{"#include"}
	case lang.CSharp:
		prefixes = []string{"using "}
	case lang.Rust, lang.PHP:
		prefixes = []string{"use "}
	case lang.Ruby:
		prefixes = []string{"require"}
	case lang.Go:
		return goImports(content)
	default:
		return nil
	}

	var out []string
	for _, line := range splitContent(content) {
		t := strings.TrimSpace(line)
		for _, p := range prefixes {
			if !strings.HasPrefix(t, p) {
				continue
			}
			if (p == "const " || p == "let " || p == "var ") && !strings.Contains(t, "require(") {
				continue
			}
			out = append(out, t)
			break
		}
		if len(out) == maxImports {
			break
		}
	}
	return out
}

func goImports(content string) []string {
	var out []string
	inBlock := false
	for _, line := range splitContent(content) {
		t := strings.TrimSpace(line)
		switch {
		case inBlock && t == ")":
			return out
		case inBlock && t != "":
			out = append(out, t)
		case t == "import (":
			inBlock = true
		case strings.HasPrefix(t, "import "):
			out = append(out, strings.TrimSpace(strings.TrimPrefix(t, "import ")))
		case strings.HasPrefix(t, "func ") || strings.HasPrefix(t, "type "):
			return out
		}
		if len(out) == maxImports {
			return out
		}
	}
	return out
}
