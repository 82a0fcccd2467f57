package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/patch"
)

func TestParse_PatchSets(t *testing.T) {
	raw := "Here is the fix:\n```json\n" + `{
  "patch_sets": [
    {"confidence": 0.4, "explanation": "guard", "edits": [
      {"filepath": "app/calc.py", "search": "return a / b", "replace": "return a / b if b else 0"}
    ]},
    {"confidence": 0.9, "explanation": "raise", "edits": [
      {"filepath": "app/calc.py", "search": "raise ValueError(\"b\")", "replace": "return 0", "rationale": "b may be zero"}
    ]}
  ]
}` + "\n```\n"

	res := Parse(raw)
	require.Equal(t, KindProposed, res.Kind, "err: %v", res.Err)
	require.Len(t, res.Sets, 2)
	assert.Equal(t, 0.9, res.Sets[0].Confidence, "ranked by confidence")
	assert.Equal(t, "raise", res.Sets[0].Explanation)
	assert.Equal(t, patch.Edit{
		FilePath:  "app/calc.py",
		Search:    `raise ValueError("b")`,
		Replace:   "return 0",
		Rationale: "b may be zero",
	}, res.Sets[0].Edits[0])
	assert.Equal(t, 0.4, res.Sets[1].Confidence)
}

func TestParse_NoFix(t *testing.T) {
	res := Parse(`{"no_fix": true, "reason": "the bug is in a dependency"}`)
	assert.Equal(t, KindNoFix, res.Kind)
	assert.Equal(t, "the bug is in a dependency", res.Reason)

	res = Parse(`{"no_fix": true}`)
	assert.Equal(t, KindNoFix, res.Kind)
	assert.NotEmpty(t, res.Reason)
}

func TestParse_EmptyPatchSetsIsNoFix(t *testing.T) {
	for _, raw := range []string{
		`{"patch_sets": []}`,
		"```json\n{\"patch_sets\": [], \"explanation\": \"nothing safe to change\"}\n```",
	} {
		res := Parse(raw)
		assert.Equal(t, KindNoFix, res.Kind, raw)
		assert.Equal(t, "oracle proposed no patch sets", res.Reason)
		assert.NoError(t, res.Err)
	}

	// An absent or null list is still malformed.
	assert.Equal(t, KindMalformed, Parse(`{"patch_sets": null}`).Kind)
}

func TestParse_LegacyShape(t *testing.T) {
	raw := `{"filepath": "app/calc.py", "explanation": "fix division",
		"patches": [{"search": "return a / b", "replace": "return a / (b or 1)"}]}`

	res := Parse(raw)
	require.Equal(t, KindProposed, res.Kind, "err: %v", res.Err)
	require.Len(t, res.Sets, 1)
	set := res.Sets[0]
	assert.Equal(t, "fix division", set.Explanation)
	assert.Equal(t, defaultConfidence, set.Confidence)
	require.Len(t, set.Edits, 1)
	assert.Equal(t, "app/calc.py", set.Edits[0].FilePath)
}

func TestParse_DropsInvalidSets(t *testing.T) {
	raw := `{"patch_sets": [
		{"confidence": 0.9, "edits": [{"filepath": "../etc/passwd", "search": "x", "replace": "y"}]},
		{"confidence": 0.5, "edits": [{"filepath": "a.py", "search": "x", "replace": "y"}]}
	]}`
	res := Parse(raw)
	require.Equal(t, KindProposed, res.Kind)
	require.Len(t, res.Sets, 1)
	assert.Equal(t, "a.py", res.Sets[0].Edits[0].FilePath)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"prose", "I could not find the bug."},
		{"truncated", `{"patch_sets": [{"edits": [`},
		{"no known fields", `{"answer": 42}`},
		{"empty set", `{"patch_sets": [{"confidence": 1, "edits": []}]}`},
		{"empty search", `{"patch_sets": [{"edits": [{"filepath": "a.py", "search": "  ", "replace": "x"}]}]}`},
		{"absolute path", `{"patch_sets": [{"edits": [{"filepath": "/etc/hosts", "search": "a", "replace": "b"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.raw)
			assert.Equal(t, KindMalformed, res.Kind)
			assert.Error(t, res.Err)
			assert.Equal(t, tt.raw, res.Raw)
		})
	}
}

func TestParse_ClampsConfidence(t *testing.T) {
	res := Parse(`{"patch_sets": [{"confidence": 7, "edits": [{"path": "a.go", "search": "a", "replace": "b"}]}]}`)
	require.Equal(t, KindProposed, res.Kind)
	assert.Equal(t, 1.0, res.Sets[0].Confidence)
	assert.Equal(t, "a.go", res.Sets[0].Edits[0].FilePath)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(`Sure! {"a":{"b":2}} Hope this helps.`))
	assert.Equal(t, "", extractJSON(""))
}
