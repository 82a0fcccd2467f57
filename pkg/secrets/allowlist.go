package secrets

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidRegex = errors.New("invalid regex pattern")
	ErrInvalidTOML  = errors.New("invalid allowlist TOML")
)

// AllowlistFile is the repository-root file a tenant can use to exempt
// fixtures and sample credentials from the secrets gate.
const AllowlistFile = ".gitleaks.toml"

// Allowlist contains path and content regex patterns to exclude from secret detection.
type Allowlist struct {
	Paths   []string // File path regex patterns to ignore
	Regexes []string // Content regex patterns to ignore
}

// ParseAllowlist parses the [allowlist] table of a gitleaks TOML document.
// Every pattern must compile.
func ParseAllowlist(data []byte, source string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, source, err)
	}

	for _, pattern := range doc.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid path pattern '%s' in %s: %v",
				ErrInvalidRegex, pattern, source, err)
		}
	}
	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern '%s' in %s: %v",
				ErrInvalidRegex, pattern, source, err)
		}
	}

	return &Allowlist{
		Paths:   doc.Allowlist.Paths,
		Regexes: doc.Allowlist.Regexes,
	}, nil
}

// Empty reports whether the allowlist has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}
