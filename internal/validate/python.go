package validate

import (
	"errors"
	"fmt"
	"strings"
)

// checkPython is a tokenizer-level structural check. It verifies that
// brackets balance, strings terminate, dedents return to an enclosing
// indentation level and every block header is followed by an indented body.
// Operators and expression keywords must be followed by an operand, which
// rejects "x = = 1" and "return return".
func checkPython(_, content string) error {
	p := &pyScanner{src: content, line: 1}
	return p.run()
}

type pyScanner struct {
	src  string
	pos  int
	line int

	brackets []byte
	indents  []int

	// pendingBlock is the line of a header ending in ':' whose body has not
	// been seen yet.
	pendingBlock int
	lastToken    byte

	// prev is the previous token of the logical line.
	prev pyToken
}

type pyKind uint8

const (
	pyOther pyKind = iota
	pyWord
	pyOperator
)

type pyToken struct {
	kind pyKind
	text string
}

// pyOperators is ordered so that longer operators match first.
var pyOperators = []string{
	"**=", "//=", ">>=", "<<=", "...",
	"**", "//", ">>", "<<", "<=", ">=", "==", "!=", "->", ":=",
	"+=", "-=", "*=", "/=", "%=", "@=", "&=", "|=", "^=",
	"+", "-", "*", "/", "%", "@", "&", "|", "^", "~", "<", ">", "=", "!", ":", ".",
}

// operandPrefixes may follow an operator: unary signs, unpacking and
// leading dots of floats and Ellipsis.
var operandPrefixes = map[string]bool{
	"+": true, "-": true, "~": true, "*": true, "**": true, ".": true, "...": true,
}

// operandKeywords must be followed by an expression when anything follows
// them on the line.
var operandKeywords = map[string]bool{
	"return": true, "raise": true, "del": true, "assert": true,
	"if": true, "elif": true, "while": true,
	"and": true, "or": true, "in": true, "is": true,
}

// statementKeywords cannot start an expression.
var statementKeywords = map[string]bool{
	"and": true, "as": true, "assert": true, "async": true, "break": true,
	"class": true, "continue": true, "def": true, "del": true, "elif": true,
	"else": true, "except": true, "finally": true, "for": true, "from": true,
	"global": true, "if": true, "import": true, "in": true, "is": true,
	"nonlocal": true, "or": true, "pass": true, "raise": true, "return": true,
	"try": true, "while": true, "with": true,
}

func (t pyToken) wantsOperand() bool {
	switch t.kind {
	case pyOperator:
		return t.text != ":" && t.text != "." && t.text != "..."
	case pyWord:
		return operandKeywords[t.text]
	}
	return false
}

// token records tok as the previous token and rejects it when the token
// before it needed an operand that tok cannot start.
func (p *pyScanner) token(tok pyToken) error {
	prev := p.prev
	p.prev = tok
	if !prev.wantsOperand() {
		return nil
	}
	if (tok.kind == pyOperator && !operandPrefixes[tok.text]) ||
		(tok.kind == pyWord && statementKeywords[tok.text]) {
		return fmt.Errorf("line %d: unexpected %q after %q", p.line, tok.text, prev.text)
	}
	return nil
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func (p *pyScanner) run() error {
	p.indents = []int{0}
	atLineStart := true

	for p.pos < len(p.src) {
		if atLineStart {
			if len(p.brackets) == 0 {
				width, blank := p.measureIndent()
				if blank {
					continue
				}
				if err := p.indent(width); err != nil {
					return err
				}
			}
			atLineStart = false
		}

		c := p.src[p.pos]
		switch {
		case c == '\n':
			p.endLogicalLine()
			p.line++
			p.pos++
			atLineStart = true
		case c == '\\' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '\n':
			p.pos += 2
			p.line++
		case c == '#':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
		case c == '"' || c == '\'':
			if err := p.skipString(); err != nil {
				return err
			}
			p.prev = pyToken{}
			p.lastToken = 's'
		case isWordByte(c):
			start := p.pos
			for p.pos < len(p.src) && isWordByte(p.src[p.pos]) {
				p.pos++
			}
			if err := p.token(pyToken{kind: pyWord, text: p.src[start:p.pos]}); err != nil {
				return err
			}
			p.lastToken = 'w'
		case strings.IndexByte("+-*/%@&|^~<>=!:.", c) >= 0:
			op := p.scanOperator()
			if err := p.token(pyToken{kind: pyOperator, text: op}); err != nil {
				return err
			}
			p.lastToken = op[len(op)-1]
		case c == '(' || c == '[' || c == '{':
			p.brackets = append(p.brackets, c)
			p.prev = pyToken{}
			p.lastToken = c
			p.pos++
		case c == ')' || c == ']' || c == '}':
			if len(p.brackets) == 0 {
				return fmt.Errorf("line %d: unexpected %q", p.line, c)
			}
			open := p.brackets[len(p.brackets)-1]
			if closerFor[open] != c {
				return fmt.Errorf("line %d: %q closes %q", p.line, c, open)
			}
			p.brackets = p.brackets[:len(p.brackets)-1]
			p.prev = pyToken{}
			p.lastToken = c
			p.pos++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			p.pos++
		default:
			p.prev = pyToken{}
			p.lastToken = c
			p.pos++
		}
	}

	if len(p.brackets) > 0 {
		return fmt.Errorf("unclosed %q at end of file", p.brackets[len(p.brackets)-1])
	}
	p.endLogicalLine()
	if p.pendingBlock > 0 {
		return fmt.Errorf("line %d: expected an indented block", p.pendingBlock)
	}
	return nil
}

// measureIndent consumes leading whitespace. Blank and comment-only lines
// report blank and are consumed entirely.
func (p *pyScanner) measureIndent() (int, bool) {
	width := 0
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ':
			width++
		case '\t':
			width += 8 - width%8
		case '\f', '\r':
		case '#':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
			return 0, p.consumeNewline()
		case '\n':
			return 0, p.consumeNewline()
		default:
			return width, false
		}
		p.pos++
	}
	return 0, true
}

func (p *pyScanner) consumeNewline() bool {
	if p.pos < len(p.src) {
		p.pos++
		p.line++
	}
	return true
}

func (p *pyScanner) indent(width int) error {
	current := p.indents[len(p.indents)-1]
	switch {
	case width > current:
		if p.pendingBlock == 0 {
			return fmt.Errorf("line %d: unexpected indent", p.line)
		}
		p.indents = append(p.indents, width)
	case p.pendingBlock > 0:
		return fmt.Errorf("line %d: expected an indented block", p.pendingBlock)
	case width < current:
		for len(p.indents) > 1 && p.indents[len(p.indents)-1] > width {
			p.indents = p.indents[:len(p.indents)-1]
		}
		if p.indents[len(p.indents)-1] != width {
			return fmt.Errorf("line %d: unindent does not match any outer indentation level", p.line)
		}
	}
	p.pendingBlock = 0
	return nil
}

func (p *pyScanner) endLogicalLine() {
	if len(p.brackets) == 0 && p.lastToken == ':' {
		p.pendingBlock = p.line
	}
	if len(p.brackets) == 0 {
		p.lastToken = 0
		p.prev = pyToken{}
	}
}

func (p *pyScanner) scanOperator() string {
	for _, op := range pyOperators {
		if strings.HasPrefix(p.src[p.pos:], op) {
			p.pos += len(op)
			return op
		}
	}
	// Unreachable for bytes in the operator set.
	p.pos++
	return p.src[p.pos-1 : p.pos]
}

var errUnterminatedString = errors.New("unterminated string literal")

func (p *pyScanner) skipString() error {
	quote := p.src[p.pos]
	triple := strings.HasPrefix(p.src[p.pos:], strings.Repeat(string(quote), 3))
	start := p.line
	if triple {
		p.pos += 3
		for p.pos < len(p.src) {
			switch {
			case p.src[p.pos] == '\\':
				if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\n' {
					p.line++
				}
				p.pos++
			case p.src[p.pos] == '\n':
				p.line++
			case strings.HasPrefix(p.src[p.pos:], strings.Repeat(string(quote), 3)):
				p.pos += 3
				return nil
			}
			p.pos++
		}
		return fmt.Errorf("line %d: %w", start, errUnterminatedString)
	}

	p.pos++
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\n' {
				p.line++
			}
			p.pos++
		case '\n':
			return fmt.Errorf("line %d: %w", start, errUnterminatedString)
		case quote:
			p.pos++
			return nil
		}
		p.pos++
	}
	return fmt.Errorf("line %d: %w", start, errUnterminatedString)
}
