package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/patch"
)

// defaultConfidence is assumed for sets that do not state one.
const defaultConfidence = 0.5

var fenced = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

type replyEdit struct {
	FilePath  string `json:"filepath"`
	FilePath2 string `json:"file_path"`
	Path      string `json:"path"`
	Search    string `json:"search"`
	Replace   string `json:"replace"`
	Rationale string `json:"rationale"`
}

func (e replyEdit) path() string {
	for _, p := range []string{e.FilePath, e.FilePath2, e.Path} {
		if p != "" {
			return p
		}
	}
	return ""
}

type replySet struct {
	Confidence  *float64    `json:"confidence"`
	Explanation string      `json:"explanation"`
	Edits       []replyEdit `json:"edits"`
	Patches     []replyEdit `json:"patches"`
}

// reply accepts the current shape and the older single-file shape, where
// one set is spread over the top level.
type reply struct {
	// PatchSets is nil when the field is absent and empty when the model
	// answered with an explicit empty list.
	PatchSets *[]replySet `json:"patch_sets"`
	NoFix     bool        `json:"no_fix"`
	Reason    string      `json:"reason"`

	FilePath    string      `json:"filepath"`
	Explanation string      `json:"explanation"`
	Confidence  *float64    `json:"confidence"`
	Patches     []replyEdit `json:"patches"`
}

// Parse interprets a model reply. It never fails: anything it cannot use is
// reported as a KindMalformed result carrying the raw text.
func Parse(raw string) Result {
	body := extractJSON(raw)
	if body == "" {
		return Malformed(ErrEmptyResponse, raw)
	}

	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Malformed(fmt.Errorf("decode reply: %w", err), raw)
	}

	if r.NoFix {
		reason := strings.TrimSpace(r.Reason)
		if reason == "" {
			reason = "oracle declined without a reason"
		}
		return NoFix(reason)
	}

	if r.PatchSets != nil && len(*r.PatchSets) == 0 && len(r.Patches) == 0 {
		return NoFix("oracle proposed no patch sets")
	}

	var candidates []replySet
	if r.PatchSets != nil {
		candidates = *r.PatchSets
	}
	if len(candidates) == 0 && len(r.Patches) > 0 {
		legacy := replySet{Confidence: r.Confidence, Explanation: r.Explanation}
		for _, e := range r.Patches {
			if e.path() == "" {
				e.FilePath = r.FilePath
			}
			legacy.Edits = append(legacy.Edits, e)
		}
		candidates = []replySet{legacy}
	}
	if len(candidates) == 0 {
		return Malformed(errors.New("reply has neither patch_sets nor no_fix"), raw)
	}

	var sets []patch.Set
	var firstErr error
	for i, c := range candidates {
		set := toSet(c)
		if err := set.Validate(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("patch set %d: %w", i+1, err)
			}
			continue
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return Malformed(firstErr, raw)
	}

	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Confidence > sets[j].Confidence })
	return Proposed(sets)
}

func toSet(c replySet) patch.Set {
	conf := defaultConfidence
	if c.Confidence != nil {
		conf = *c.Confidence
	}
	switch {
	case conf < 0:
		conf = 0
	case conf > 1:
		conf = 1
	}

	edits := c.Edits
	if len(edits) == 0 {
		edits = c.Patches
	}
	set := patch.Set{Explanation: strings.TrimSpace(c.Explanation), Confidence: conf}
	for _, e := range edits {
		set.Edits = append(set.Edits, patch.Edit{
			FilePath:  strings.TrimSpace(e.path()),
			Search:    e.Search,
			Replace:   e.Replace,
			Rationale: e.Rationale,
		})
	}
	return set
}

// extractJSON returns the JSON object in a reply: the first fenced block if
// any, else the span from the first '{' to the last '}'.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenced.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") {
		return s
	}
	i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if i < 0 || j < i {
		return s
	}
	return s[i : j+1]
}
