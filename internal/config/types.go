package config

import (
	"crypto/subtle"
	"encoding/json"
)

const redactedSecret = "[REDACTED]"

// Secret holds a credential (oracle API key, intake token) loaded from the
// file or environment. Every formatting and marshaling path prints a
// placeholder; Value returns the credential itself.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

func (s Secret) GoString() string {
	return "Secret(" + redactedSecret + ")"
}

// Value returns the raw credential.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool {
	return s != ""
}

// Matches compares candidate with the credential in constant time. An
// unset secret matches nothing.
func (s Secret) Matches(candidate string) bool {
	if s == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s), []byte(candidate)) == 1
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the raw credential.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
