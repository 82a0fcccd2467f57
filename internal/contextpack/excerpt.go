package contextpack

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
)

// Unit is the syntactic unit an excerpt covers.
type Unit string

const (
	UnitFunction Unit = "function"
	UnitClass    Unit = "class"
	UnitType     Unit = "type"
	UnitWindow   Unit = "window"
)

// span is an inclusive 1-based line range.
type span struct {
	start, end int
	unit       Unit
	symbol     string
}

func (s span) contains(line int) bool { return s.start <= line && line <= s.end }

func (s span) size() int { return s.end - s.start + 1 }

// enclosingUnit finds the smallest function or class around line. ok is
// false when the language has no extractor or nothing encloses the line.
func enclosingUnit(l lang.Language, path, content string, line int) (span, bool) {
	switch {
	case l == lang.Go:
		return goUnit(path, content, line)
	case l == lang.Python:
		return pythonUnit(splitContent(content), line)
	case l.BraceDelimited():
		return braceUnit(l, splitContent(content), line)
	}
	return span{}, false
}

func windowAround(total, line, radius int) span {
	start, end := line-radius, line+radius
	if start < 1 {
		start = 1
	}
	if end > total {
		end = total
	}
	return span{start: start, end: end, unit: UnitWindow}
}

func splitContent(content string) []string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func goUnit(path, content string, line int) (span, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return span{}, false
	}

	var best span
	found := false
	consider := func(s span) {
		if s.contains(line) && (!found || s.size() < best.size()) {
			best, found = s, true
		}
	}
	lineOf := func(p token.Pos) int { return fset.Position(p).Line }

	var outer string
	ast.Inspect(file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncDecl:
			start := lineOf(n.Pos())
			if n.Doc != nil {
				start = lineOf(n.Doc.Pos())
			}
			name := n.Name.Name
			if n.Recv != nil && len(n.Recv.List) > 0 {
				name = receiverName(n.Recv.List[0].Type) + "." + name
			}
			s := span{start: start, end: lineOf(n.End()), unit: UnitFunction, symbol: name}
			if s.contains(line) {
				outer = name
			}
			consider(s)
		case *ast.FuncLit:
			consider(span{start: lineOf(n.Pos()), end: lineOf(n.End()), unit: UnitFunction, symbol: outer + ".func"})
		case *ast.GenDecl:
			if n.Tok == token.TYPE {
				symbol := ""
				if len(n.Specs) == 1 {
					symbol = n.Specs[0].(*ast.TypeSpec).Name.Name
				}
				consider(span{start: lineOf(n.Pos()), end: lineOf(n.End()), unit: UnitType, symbol: symbol})
			}
		}
		return true
	})
	return best, found
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return "(*" + receiverName(t.X) + ")"
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return "?"
}

var pyHeader = regexp.MustCompile(`^\s*(?:async\s+def|def|class)\s+([A-Za-z_]\w*)`)

func indentWidth(s string) int {
	w := 0
	for _, r := range s {
		switch r {
		case ' ':
			w++
		case '\t':
			w += 8 - w%8
		default:
			return w
		}
	}
	return w
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// pythonUnit scopes by indentation: the enclosing def or class is the
// nearest header above line indented less than every line between them.
func pythonUnit(lines []string, line int) (span, bool) {
	if line < 1 || line > len(lines) {
		return span{}, false
	}

	header := -1
	if pyHeader.MatchString(lines[line-1]) {
		header = line - 1
	} else {
		minIndent := -1
		for i := line - 1; i >= 0; i-- {
			if isBlank(lines[i]) || strings.HasPrefix(strings.TrimSpace(lines[i]), "#") {
				continue
			}
			w := indentWidth(lines[i])
			if minIndent >= 0 && w < minIndent && pyHeader.MatchString(lines[i]) {
				header = i
				break
			}
			if minIndent < 0 || w < minIndent {
				minIndent = w
			}
			if minIndent == 0 && i < line-1 {
				break
			}
		}
	}
	if header < 0 {
		return span{}, false
	}

	base := indentWidth(lines[header])
	start := header
	for start > 0 {
		prev := strings.TrimSpace(lines[start-1])
		if !strings.HasPrefix(prev, "@") || indentWidth(lines[start-1]) != base {
			break
		}
		start--
	}

	end := header
	for i := header + 1; i < len(lines); i++ {
		if isBlank(lines[i]) {
			continue
		}
		if indentWidth(lines[i]) <= base && !strings.HasPrefix(strings.TrimSpace(lines[i]), ")") {
			break
		}
		end = i
	}

	m := pyHeader.FindStringSubmatch(lines[header])
	unit := UnitFunction
	if strings.HasPrefix(strings.TrimSpace(lines[header]), "class") {
		unit = UnitClass
	}
	return span{start: start + 1, end: end + 1, unit: unit, symbol: m[1]}, true
}

var (
	braceClass = regexp.MustCompile(`\b(?:class|struct|interface|enum|trait|impl|object|record|protocol|extension)\s+([A-Za-z_]\w*)`)
	braceFunc  = regexp.MustCompile(`\b(?:function|func|fun|fn|def|sub)\s*\*?\s*([A-Za-z_$][\w$]*)?\s*[(<]`)
	methodSig  = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*\([^;]*\)\s*(?:const\s*)?(?:->\s*[^{]+|:\s*[^{]+|throws\s+[^{]+|async\s*)?\{?\s*$`)
	arrowFunc  = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*[=:]\s*(?:async\s*)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)
	controlKw  = regexp.MustCompile(`^\s*(?:\}\s*)?(?:if|else|for|foreach|while|do|switch|case|catch|try|finally|return|with|using|lock|synchronized|unsafe|loop|match|select)\b`)
)

// braceUnit picks the innermost { } block around line whose header names a
// function or class.
func braceUnit(l lang.Language, lines []string, line int) (span, bool) {
	blocks := braceBlocks(l, lines)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].size() < blocks[j].size() })

	for _, b := range blocks {
		if !b.contains(line) {
			continue
		}
		headerStart, header := braceHeader(lines, b.start)
		if controlKw.MatchString(header) {
			continue
		}
		unit, symbol := classifyHeader(header)
		if unit == "" {
			continue
		}
		start := headerStart
		for start > 1 && strings.HasPrefix(strings.TrimSpace(lines[start-2]), "@") {
			start--
		}
		return span{start: start, end: b.end, unit: unit, symbol: symbol}, true
	}
	return span{}, false
}

// braceHeader returns the first line of the declaration that opens on
// openLine, and the declaration text up to the brace.
func braceHeader(lines []string, openLine int) (int, string) {
	text := lines[openLine-1]
	if i := strings.IndexByte(text, '{'); i >= 0 {
		text = text[:i]
	}
	start := openLine
	for k := 0; k < 4 && start > 1; k++ {
		trimmed := strings.TrimSpace(text)
		continued := trimmed == "" ||
			strings.Count(trimmed, ")") > strings.Count(trimmed, "(") ||
			strings.HasPrefix(trimmed, ":") ||
			strings.HasPrefix(trimmed, "->") ||
			strings.HasPrefix(trimmed, "throws")
		if !continued {
			break
		}
		prev := lines[start-2]
		p := strings.TrimSpace(prev)
		if p == "" || strings.HasSuffix(p, ";") || strings.HasSuffix(p, "}") {
			break
		}
		start--
		text = prev + " " + text
	}
	return start, strings.TrimSpace(text)
}

func classifyHeader(header string) (Unit, string) {
	if m := braceClass.FindStringSubmatch(header); m != nil {
		return UnitClass, m[1]
	}
	if m := braceFunc.FindStringSubmatch(header); m != nil {
		return UnitFunction, m[1]
	}
	if m := arrowFunc.FindStringSubmatch(header); m != nil {
		return UnitFunction, m[1]
	}
	if m := methodSig.FindStringSubmatch(header); m != nil {
		return UnitFunction, m[1]
	}
	return "", ""
}

// braceBlocks pairs braces outside strings and comments.
func braceBlocks(l lang.Language, lines []string) []span {
	var blocks []span
	var stack []int
	inBlockComment := false
	comments := l.LineComment()

	for n, text := range lines {
		lineNo := n + 1
		for i := 0; i < len(text); i++ {
			if inBlockComment {
				if strings.HasPrefix(text[i:], "*/") {
					inBlockComment = false
					i++
				}
				continue
			}
			rest := text[i:]
			if strings.HasPrefix(rest, "/*") {
				inBlockComment = true
				i++
				continue
			}
			if hasAnyPrefix(rest, comments) {
				break
			}
			switch c := text[i]; {
			case c == '"' || c == '`' || (c == '\'' && l.SingleQuoteStrings()):
				if j := closingQuote(text, i); j > i {
					i = j
				} else {
					i = len(text)
				}
			case c == '\'':
				if j := closingQuote(text, i); j > i && j-i <= 3 {
					i = j
				}
			case c == '{':
				stack = append(stack, lineNo)
			case c == '}':
				if len(stack) > 0 {
					open := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					blocks = append(blocks, span{start: open, end: lineNo})
				}
			}
		}
	}
	return blocks
}

func closingQuote(text string, i int) int {
	q := text[i]
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case q:
			return j
		}
	}
	return -1
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
