// Package validate decides whether an applied patch set is safe to publish.
//
// Gates run in a fixed order and the first failing gate rejects the whole
// set: atomicity, no-op, path safety, syntax, anti-destruction and secrets.
// The syntax gate applies to the updated content of every changed file,
// whether or not the original parsed.
//
// Go, JSON, YAML and TOML are checked with real parsers. Python and the
// brace languages use token-level scanners, so some invalid programs pass.
// Known Python gaps:
//
//   - invalid assignment targets such as "f() = 1"
//   - missing separators between operands such as "f(a b)"
//   - statements in the wrong context such as "return" outside a function
//     or "break" outside a loop
//   - inconsistent use of tabs and spaces within one block
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/lang"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
	"github.com/fyrsmithlabs/selfheal/pkg/secrets"
)

// DefaultMinSizeRatio rejects files that shrink below half their original size.
const DefaultMinSizeRatio = 0.5

// Gate names a validation step.
type Gate string

const (
	GateAtomicity       Gate = "atomicity"
	GateNoop            Gate = "no-op"
	GatePathSafety      Gate = "path-safety"
	GateSyntax          Gate = "syntax"
	GateAntiDestruction Gate = "anti-destruction"
	GateSecrets         Gate = "secrets"
)

// Change is one file of an accepted set.
type Change struct {
	Path     string
	Original string
	Updated  string
}

// Outcome is either Accepted with the changes to publish, or Rejected with
// the gate and reason.
type Outcome struct {
	Accepted bool
	Changes  []Change

	Gate   Gate
	Reason string
}

func rejected(gate Gate, format string, args ...any) Outcome {
	return Outcome{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// SecretScanner reports secrets present in updated but not in original.
type SecretScanner interface {
	Introduced(original, updated string) []secrets.Finding
}

// Options configures a Validator.
type Options struct {
	// MinSizeRatio defaults to DefaultMinSizeRatio.
	MinSizeRatio float64
	// Checkers defaults to DefaultCheckers().
	Checkers map[lang.Language]Checker
	// Secrets disables the secrets gate when nil.
	Secrets SecretScanner
}

// Validator runs the gates. It holds no per-call state and is safe for
// concurrent use.
type Validator struct {
	minSizeRatio float64
	checkers     map[lang.Language]Checker
	secrets      SecretScanner
}

// New creates a Validator.
func New(opts Options) *Validator {
	if opts.MinSizeRatio <= 0 {
		opts.MinSizeRatio = DefaultMinSizeRatio
	}
	if opts.Checkers == nil {
		opts.Checkers = DefaultCheckers()
	}
	return &Validator{
		minSizeRatio: opts.MinSizeRatio,
		checkers:     opts.Checkers,
		secrets:      opts.Secrets,
	}
}

// WithSecrets returns a copy of v using scanner for the secrets gate.
func (v *Validator) WithSecrets(scanner SecretScanner) *Validator {
	cp := *v
	cp.secrets = scanner
	return &cp
}

// Validate checks the results of applying one set. originals holds the
// pre-patch content of every file the set names; updated holds the
// post-patch content of touched files.
func (v *Validator) Validate(originals map[string]string, results []patch.Result, updated map[string]string) Outcome {
	if len(results) == 0 {
		return rejected(GateAtomicity, "empty patch set")
	}
	for i, r := range results {
		if !r.Applied {
			return rejected(GateAtomicity, "edit %d to %s unmatched: %s (best score %.2f)",
				i+1, r.Edit.FilePath, r.Reason, r.BestScore)
		}
	}

	var changes []Change
	for path, content := range updated {
		if original, ok := originals[path]; !ok || original != content {
			changes = append(changes, Change{Path: path, Original: originals[path], Updated: content})
		}
	}
	if len(changes) == 0 {
		return rejected(GateNoop, "patch set changes nothing")
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	for _, c := range changes {
		if err := patch.CheckPath(c.Path); err != nil {
			return rejected(GatePathSafety, "%v", err)
		}
	}

	for _, c := range changes {
		check, ok := v.checkers[lang.Detect(c.Path)]
		if !ok {
			continue
		}
		if err := check(c.Path, c.Updated); err != nil {
			return rejected(GateSyntax, "%s: %s", c.Path, firstLine(err.Error()))
		}
	}

	for _, c := range changes {
		if float64(len(c.Updated)) < v.minSizeRatio*float64(len(c.Original)) {
			return rejected(GateAntiDestruction, "%s shrank from %d to %d bytes", c.Path, len(c.Original), len(c.Updated))
		}
	}

	if v.secrets != nil {
		for _, c := range changes {
			if found := v.secrets.Introduced(c.Original, c.Updated); len(found) > 0 {
				return rejected(GateSecrets, "%s introduces %d secret(s) (%s)", c.Path, len(found), found[0].RuleID)
			}
		}
	}

	return Outcome{Accepted: true, Changes: changes}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
