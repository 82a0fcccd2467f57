package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
)

func TestCheckPython(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"simple", "import os\n\n\ndef f(x):\n    if x:\n        return 1\n    return 2\n", false},
		{"decorated class", "@dataclass\nclass A:\n    x: int = 0\n\n    def m(self):\n        return {'a': [1, 2]}\n", false},
		{"multiline call", "total = sum(\n    a,\n        b,\n)\n", false},
		{"docstring", "def f():\n    \"\"\"Doc.\n\n    More: (\n    \"\"\"\n    pass\n", false},
		{"comment after header", "for i in x:  # loop\n    pass\n", false},
		{"inline body", "if x: y = 1\n", false},
		{"continuation", "if a and \\\n        b:\n    pass\n", false},
		{"dict literal ends line", "x = {\n    'a': 1,\n}\n", false},
		{"tabs", "def f():\n\treturn 1\n", false},
		{"no trailing newline", "def f():\n    pass", false},
		{"unary and unpacking", "def f(a, *, b=-1, **k) -> None:\n    return not a\n\nw = g(*a, **k)\nv = ...\nz = x[::-1]\n", false},
		{"negated membership", "if a is not None and b not in c:\n    y = a if b else not c\n", false},
		{"walrus", "if (n := len(a)) > 10:\n    pass\n", false},
		{"bare return", "def f():\n    return\n", false},

		{"unclosed paren", "x = f(1, 2\n", true},
		{"mismatched", "x = [1, 2)\n", true},
		{"unterminated string", "x = 'abc\n", true},
		{"unterminated triple", "x = \"\"\"abc\n", true},
		{"missing body", "def f():\n\nx = 1\n", true},
		{"missing body at eof", "class A:\n", true},
		{"unexpected indent", "x = 1\n    y = 2\n", true},
		{"bad dedent", "def f():\n        a = 1\n    b = 2\n", true},
		{"doubled assignment", "x = = 1\n", true},
		{"comparison then assignment", "ok = x == = 1\n", true},
		{"return return", "def f():\n    return return\n", true},
		{"keyword after if", "if else:\n    pass\n", true},
		{"statement as value", "x = return\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPython("m.py", tt.src)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckBraces(t *testing.T) {
	tests := []struct {
		name    string
		l       lang.Language
		src     string
		wantErr bool
	}{
		{"js strings", lang.JavaScript, "const s = '}' + \"{\" + `${a}\n}`;\n", false},
		{"comments", lang.Java, "class A {\n  // }\n  /* { */\n}\n", false},
		{"rust lifetime", lang.Rust, "fn f<'a>(x: &'a str) -> &'a str {\n    let c = '{';\n    x\n}\n", false},
		{"kotlin text block", lang.Kotlin, "val s = \"\"\"\n{\n\"\"\"\nfun f() {}\n", false},
		{"php hash comment", lang.PHP, "<?php\n# {\nfunction f() { return 1; }\n", false},

		{"unclosed", lang.TypeScript, "function f() {\n", true},
		{"extra closer", lang.C, "int main() { return 0; }}\n", true},
		{"crossed", lang.Cpp, "f(a[1)];\n", true},
		{"unterminated string", lang.CSharp, "var s = \"abc;\n", true},
		{"unterminated comment", lang.Swift, "/* never closed\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBraces(tt.l, tt.src)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultCheckers(t *testing.T) {
	checkers := DefaultCheckers()
	assert.Contains(t, checkers, lang.Go)
	assert.Contains(t, checkers, lang.Rust)
	assert.NotContains(t, checkers, lang.Ruby)

	assert.NoError(t, checkers[lang.YAML]("a.yaml", "a: 1\n---\nb: 2\n"))
	assert.NoError(t, checkers[lang.TOML]("a.toml", "[a]\nb = 1\n"))
	assert.NoError(t, checkers[lang.JSON]("a.json", "[1, 2]"))
	assert.Error(t, checkers[lang.Go]("a.go", "package a\nfunc {"))
}
