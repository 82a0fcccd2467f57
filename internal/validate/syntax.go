package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
)

// Checker reports a syntax error in content, or nil.
type Checker func(path, content string) error

// DefaultCheckers returns the checker registry used when Options.Checkers is
// nil. Languages without an entry pass the syntax gate.
func DefaultCheckers() map[lang.Language]Checker {
	checkers := map[lang.Language]Checker{
		lang.Go:     checkGo,
		lang.Python: checkPython,
		lang.JSON:   checkJSON,
		lang.YAML:   checkYAML,
		lang.TOML:   checkTOML,
	}
	for _, l := range []lang.Language{
		lang.JavaScript, lang.TypeScript, lang.Java, lang.Kotlin, lang.Swift,
		lang.C, lang.Cpp, lang.CSharp, lang.Rust, lang.PHP,
	} {
		checkers[l] = func(_, content string) error { return checkBraces(l, content) }
	}
	return checkers
}

func checkGo(path, content string) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, path, content, parser.AllErrors|parser.SkipObjectResolution)
	return err
}

func checkJSON(_, content string) error {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func checkYAML(_, content string) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	}
}

func checkTOML(_, content string) error {
	var v map[string]any
	if _, err := toml.Decode(content, &v); err != nil {
		return fmt.Errorf("invalid TOML: %w", err)
	}
	return nil
}

var closerFor = map[byte]byte{'(': ')', '[': ']', '{': '}'}

// checkBraces verifies that (), [] and {} balance outside strings and
// comments.
func checkBraces(l lang.Language, content string) error {
	src := []byte(content)
	var stack []byte
	line := 1
	comments := l.LineComment()

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			line++
		case hasPrefixAt(src, i, "/*"):
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end < 0 {
				return fmt.Errorf("line %d: unterminated block comment", line)
			}
			line += bytes.Count(src[i:i+2+end], []byte("\n"))
			i += end + 3
		case lineCommentAt(src, i, comments):
			for i < len(src) && src[i] != '\n' {
				i++
			}
			i--
		case hasPrefixAt(src, i, `"""`):
			end := bytes.Index(src[i+3:], []byte(`"""`))
			if end < 0 {
				return fmt.Errorf("line %d: unterminated text block", line)
			}
			line += bytes.Count(src[i:i+3+end], []byte("\n"))
			i += end + 5
		case c == '"' || c == '`' || (c == '\'' && l.SingleQuoteStrings()):
			next, lines, err := skipString(src, i, c == '`')
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			line += lines
			i = next
		case c == '\'':
			i = skipCharLiteral(src, i)
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return fmt.Errorf("line %d: unexpected %q", line, c)
			}
			open := stack[len(stack)-1]
			if closerFor[open] != c {
				return fmt.Errorf("line %d: %q closes %q", line, c, open)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q at end of file", stack[len(stack)-1])
	}
	return nil
}

func hasPrefixAt(src []byte, i int, prefix string) bool {
	return bytes.HasPrefix(src[i:], []byte(prefix))
}

func lineCommentAt(src []byte, i int, prefixes []string) bool {
	for _, p := range prefixes {
		if hasPrefixAt(src, i, p) {
			return true
		}
	}
	return false
}

// skipString returns the index of the closing quote of the string opened at
// i and the number of newlines crossed. Only multiline strings may cross a
// newline.
func skipString(src []byte, i int, multiline bool) (int, int, error) {
	quote := src[i]
	lines := 0
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j, lines, nil
		case '\n':
			if !multiline {
				return 0, 0, errors.New("unterminated string literal")
			}
			lines++
		}
	}
	return 0, 0, errors.New("unterminated string literal")
}

// skipCharLiteral skips 'x' or '\n' style literals; any other quote (a Rust
// lifetime, a Kotlin label) is left as a plain byte.
func skipCharLiteral(src []byte, i int) int {
	limit := i + 12
	if limit > len(src) {
		limit = len(src)
	}
	for j := i + 1; j < limit; j++ {
		switch src[j] {
		case '\\':
			j++
		case '\'':
			if j-i <= 2 || src[i+1] == '\\' {
				return j
			}
			return i
		case '\n':
			return i
		}
	}
	return i
}
