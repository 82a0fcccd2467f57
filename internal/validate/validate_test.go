package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
	"github.com/fyrsmithlabs/selfheal/pkg/secrets"
)

const goFile = `package calc

func Div(a, b int) int {
	return a / b
}
`

func apply(t *testing.T, files map[string]string, edits ...patch.Edit) ([]patch.Result, map[string]string) {
	t.Helper()
	return patch.Apply(files, patch.Set{Edits: edits}, patch.Options{})
}

func TestValidate_AcceptsCleanFix(t *testing.T) {
	files := map[string]string{"calc/div.go": goFile}
	results, updated := apply(t, files, patch.Edit{
		FilePath: "calc/div.go",
		Search:   "\treturn a / b\n",
		Replace:  "\tif b == 0 {\n\t\treturn 0\n\t}\n\treturn a / b\n",
	})

	out := New(Options{}).Validate(files, results, updated)
	require.True(t, out.Accepted, "gate=%s reason=%s", out.Gate, out.Reason)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, "calc/div.go", out.Changes[0].Path)
	assert.Equal(t, goFile, out.Changes[0].Original)
	assert.Contains(t, out.Changes[0].Updated, "if b == 0")
}

func TestValidate_AtomicityRejectsWholeSet(t *testing.T) {
	files := map[string]string{"calc/div.go": goFile, "calc/other.go": "package calc\n"}
	results, updated := apply(t, files,
		patch.Edit{FilePath: "calc/div.go", Search: "return a / b", Replace: "return a / (b + 1)"},
		patch.Edit{FilePath: "calc/other.go", Search: "this text does not exist anywhere at all", Replace: "x"},
	)
	require.True(t, results[0].Applied)
	require.False(t, results[1].Applied)

	out := New(Options{}).Validate(files, results, updated)
	assert.False(t, out.Accepted)
	assert.Equal(t, GateAtomicity, out.Gate)
	assert.Contains(t, out.Reason, "edit 2")
	assert.Empty(t, out.Changes)
}

func TestValidate_NoopRejected(t *testing.T) {
	files := map[string]string{"calc/div.go": goFile}
	results, updated := apply(t, files, patch.Edit{FilePath: "calc/div.go", Search: "return a / b", Replace: "return a / b"})

	out := New(Options{}).Validate(files, results, updated)
	assert.Equal(t, GateNoop, out.Gate)
}

func TestValidate_PathSafety(t *testing.T) {
	results := []patch.Result{{Applied: true, Edit: patch.Edit{FilePath: "../etc/passwd"}}}
	out := New(Options{}).Validate(map[string]string{}, results, map[string]string{"../etc/passwd": "x"})
	assert.Equal(t, GatePathSafety, out.Gate)
}

func TestValidate_SyntaxGate(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		original string
		search   string
		replace  string
	}{
		{"go", "calc/div.go", goFile, "\treturn a / b\n}", "\treturn a / b\n"},
		{"python", "app/m.py", "def f(x):\n    return x\n", "    return x", "    return (x"},
		{"json", "cfg/app.json", "{\"a\": 1, \"b\": 2}\n", "\"b\": 2}", "\"b\": 2"},
		{"yaml", "cfg/app.yaml", "a: 1\nb:\n  - x\n", "  - x", "  - [x"},
		{"toml", "cfg/app.toml", "[server]\nport = 80\n", "port = 80", "port = "},
		{"javascript", "src/app.js", "function f() {\n  return 1;\n}\n", "  return 1;\n}", "  return 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{tt.path: tt.original}
			results, updated := apply(t, files, patch.Edit{FilePath: tt.path, Search: tt.search, Replace: tt.replace})
			require.True(t, patch.AllApplied(results))

			out := New(Options{}).Validate(files, results, updated)
			assert.False(t, out.Accepted)
			assert.Equal(t, GateSyntax, out.Gate, "reason=%s", out.Reason)
			assert.True(t, strings.HasPrefix(out.Reason, tt.path+": "))
		})
	}
}

func TestValidate_SyntaxGateRejectsFilesBrokenBeforehand(t *testing.T) {
	original := "package calc\n\nfunc A() int {\n\treturn 1 +\n}\n\nfunc B() int {\n\treturn 2\n}\n"
	files := map[string]string{"calc/a.go": original}
	results, updated := apply(t, files, patch.Edit{FilePath: "calc/a.go", Search: "\treturn 2\n", Replace: "\treturn ((2 }\n"})
	require.True(t, patch.AllApplied(results))

	out := New(Options{}).Validate(files, results, updated)
	assert.False(t, out.Accepted)
	assert.Equal(t, GateSyntax, out.Gate)
	assert.Contains(t, out.Reason, "calc/a.go")

	// A set that repairs the file passes.
	results, updated = apply(t, files, patch.Edit{FilePath: "calc/a.go", Search: "\treturn 1 +\n", Replace: "\treturn 1\n"})
	out = New(Options{}).Validate(files, results, updated)
	assert.True(t, out.Accepted, "gate=%s reason=%s", out.Gate, out.Reason)
}

func TestValidate_AntiDestruction(t *testing.T) {
	body := strings.Repeat("x = compute(x)\n", 20)
	original := "def run(x):\n" + indent(body)
	files := map[string]string{"app/run.py": original}

	results, updated := apply(t, files, patch.Edit{FilePath: "app/run.py", Search: indent(body), Replace: "    return x\n"})
	require.True(t, patch.AllApplied(results))

	out := New(Options{}).Validate(files, results, updated)
	assert.False(t, out.Accepted)
	assert.Equal(t, GateAntiDestruction, out.Gate)

	// Just over half the original size is accepted.
	half := map[string]string{"app/run.py": original[:len(original)/2+1]}
	out = New(Options{Checkers: map[lang.Language]Checker{}}).Validate(files, results, half)
	assert.True(t, out.Accepted, "gate=%s reason=%s", out.Gate, out.Reason)
}

func indent(s string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString("    " + l)
		}
	}
	return b.String()
}

type fakeScanner struct{ found map[string]bool }

func (f fakeScanner) Introduced(_, updated string) []secrets.Finding {
	for marker := range f.found {
		if strings.Contains(updated, marker) {
			return []secrets.Finding{{RuleID: "fake-token"}}
		}
	}
	return nil
}

func TestValidate_SecretsGate(t *testing.T) {
	files := map[string]string{"calc/div.go": goFile}
	results, updated := apply(t, files, patch.Edit{
		FilePath: "calc/div.go",
		Search:   "\treturn a / b\n",
		Replace:  "\t_ = \"TOKEN-123\"\n\treturn a / b\n",
	})
	scanner := fakeScanner{found: map[string]bool{"TOKEN-123": true}}

	out := New(Options{}).Validate(files, results, updated)
	assert.True(t, out.Accepted)

	out = New(Options{}).WithSecrets(scanner).Validate(files, results, updated)
	assert.False(t, out.Accepted)
	assert.Equal(t, GateSecrets, out.Gate)
	assert.Contains(t, out.Reason, "fake-token")
}
