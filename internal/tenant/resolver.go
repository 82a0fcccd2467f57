package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/config"
)

// Credential reference schemes.
const (
	SchemeEnv    = "env"
	SchemeFile   = "file"
	SchemeSecret = "secret"
)

// ErrUnresolved is returned when a reference points at nothing.
var ErrUnresolved = errors.New("tenant: credential reference did not resolve")

// SecretRef builds a secret: reference.
func SecretRef(tenantKey, name string) string {
	return SchemeSecret + ":" + tenantKey + "/" + name
}

// ParseRef splits a credential reference into scheme and value.
func ParseRef(ref string) (scheme, value string, err error) {
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, redactRef(ref))
	}
	switch scheme {
	case SchemeEnv:
	case SchemeFile:
		if !filepath.IsAbs(value) {
			return "", "", fmt.Errorf("%w: file reference must be absolute", ErrInvalidReference)
		}
	case SchemeSecret:
		key, name, ok := strings.Cut(value, "/")
		if !ok || key == "" || name == "" {
			return "", "", fmt.Errorf("%w: want secret:<tenant>/<name>", ErrInvalidReference)
		}
	default:
		return "", "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidReference, scheme)
	}
	return scheme, value, nil
}

// redactRef keeps only the scheme so a mistyped raw token never reaches an
// error message.
func redactRef(ref string) string {
	if scheme, _, ok := strings.Cut(ref, ":"); ok && len(scheme) < 10 {
		return scheme + ":…"
	}
	return "…"
}

// Credentials are the resolved tokens for one cycle.
type Credentials struct {
	IssueToken    config.Secret
	CodeHostToken config.Secret
}

// Resolver turns credential references into secrets.
type Resolver struct {
	secrets   SecretStore
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// NewResolver creates a resolver reading secret: references from secrets.
func NewResolver(secrets SecretStore) *Resolver {
	return &Resolver{
		secrets:   secrets,
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}
}

// Resolve resolves both credentials of cfg.
func (r *Resolver) Resolve(ctx context.Context, cfg Config) (Credentials, error) {
	issue, err := r.ResolveRef(ctx, cfg.IssueCredential)
	if err != nil {
		return Credentials{}, fmt.Errorf("issue credential: %w", err)
	}
	host, err := r.ResolveRef(ctx, cfg.CodeHostCredential)
	if err != nil {
		return Credentials{}, fmt.Errorf("code host credential: %w", err)
	}
	return Credentials{IssueToken: issue, CodeHostToken: host}, nil
}

// ResolveRef resolves a single reference.
func (r *Resolver) ResolveRef(ctx context.Context, ref string) (config.Secret, error) {
	scheme, value, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	var raw string
	switch scheme {
	case SchemeEnv:
		v, ok := r.lookupEnv(value)
		if !ok {
			return "", fmt.Errorf("%w: env %s not set", ErrUnresolved, value)
		}
		raw = v
	case SchemeFile:
		data, err := r.readFile(value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		raw = string(data)
	case SchemeSecret:
		key, name, _ := strings.Cut(value, "/")
		v, err := r.secrets.GetSecret(ctx, key, name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		raw = v
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty value", ErrUnresolved)
	}
	return config.Secret(raw), nil
}
