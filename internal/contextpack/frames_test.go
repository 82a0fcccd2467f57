package contextpack

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
)

func TestCandidatePaths(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"app/calc.py", []string{"app/calc.py"}},
		{"/app/src/calc.py", []string{"src/calc.py"}},
		{"/app/app/models.py", []string{"app/models.py"}},
		{"/home/bob/proj/src/x.py", []string{"src/x.py", "proj/src/x.py"}},
		{"/srv/svc/handlers.py", []string{"svc/handlers.py"}},
		{"/usr/src/app/main.py", []string{"main.py"}},
		{`C:\proj\lib\a.js`, []string{"lib/a.js", "proj/lib/a.js"}},
		{"webapp/src/index.ts", []string{"webapp/src/index.ts", "src/index.ts"}},
		{"/app/../etc/passwd", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, CandidatePaths(tt.raw))
		})
	}
}

func TestSelectFrames(t *testing.T) {
	frames := []issues.StackFrame{
		{Filename: "app/a.py", LineNo: 1, InApp: true},
		{Filename: "app/b.py", LineNo: 2, InApp: true},
		{Filename: "vendored.py", LineNo: 3, InApp: false},
		{AbsPath: "/usr/lib/python3.11/site-packages/x.py", LineNo: 4, InApp: true},
		{Filename: "app/b.py", LineNo: 2, InApp: true},
		{Filename: "app/c.py", LineNo: 0, InApp: true},
		{Filename: "app/d.py", LineNo: 5, InApp: true},
	}

	got := SelectFrames(frames, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "app/d.py", got[0].Filename)
	assert.Equal(t, "app/b.py", got[1].Filename)

	all := SelectFrames(frames, 0)
	var names []string
	for _, f := range all {
		names = append(names, f.Filename)
	}
	assert.Equal(t, []string{"app/d.py", "app/b.py", "app/a.py"}, names)
}

func TestSelectFrames_NoInAppFlags(t *testing.T) {
	frames := []issues.StackFrame{
		{Filename: "main.go", LineNo: 10},
		{AbsPath: "/usr/local/go/src/runtime/panic.go", LineNo: 20},
	}
	got := SelectFrames(frames, 5)
	assert.Len(t, got, 1)
	assert.Equal(t, "main.go", got[0].Filename)
}
