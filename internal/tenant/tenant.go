// Package tenant manages the set of independently configured tenants the
// scheduler serves.
//
// A tenant is one issue-source organization (optionally narrowed to a fixed
// repository and project list) paired with code host credentials. Tenants are
// created on first inbound configuration, refreshed on every observation and
// purged once they have not been seen for the expiry window:
//
//	registered ── observed ──▶ active (≤ 24h since last seen)
//	                              │
//	                              ▼
//	                          inactive (kept, not polled)
//	                              │ > 48h
//	                              ▼
//	                          pruned (record and stored secrets deleted)
//
// Credentials are kept by reference (env:, file:, secret:) and resolved once
// per cycle by Resolver.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Default lifecycle windows.
const (
	DefaultActiveWindow = 24 * time.Hour
	DefaultExpiryWindow = 48 * time.Hour
	DefaultMaxBackoff   = 24 * time.Hour
	DefaultIssueBaseURL = "https://sentry.io/api/0"
)

// Errors for registry operations.
var (
	ErrNotFound          = errors.New("tenant: not found")
	ErrInvalidOrg        = errors.New("tenant: organization is required")
	ErrPlaceholderOrg    = errors.New("tenant: placeholder organization rejected")
	ErrMissingCredential = errors.New("tenant: credential is required")
	ErrInvalidReference  = errors.New("tenant: invalid credential reference")
	ErrInvalidRepository = errors.New("tenant: invalid repository")
)

// placeholderOrgs are organization names copied from documentation examples.
var placeholderOrgs = map[string]struct{}{
	"your-org":          {},
	"my-organization":   {},
	"your-organization": {},
	"my-org":            {},
	"example-org":       {},
	"test-org":          {},
	"placeholder":       {},
}

// Config is a registered tenant.
type Config struct {
	Key           string `json:"key"`
	IssueOrg      string `json:"issue_org"`
	IssueEndpoint string `json:"issue_endpoint,omitempty"`

	// Credential references, never raw tokens.
	IssueCredential    string `json:"issue_credential"`
	CodeHostCredential string `json:"code_host_credential"`

	Owner      string   `json:"owner"`
	Repository string   `json:"repository,omitempty"`
	Projects   []string `json:"projects,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Watermark    time.Time `json:"watermark,omitempty"`

	FailureCount int       `json:"failure_count"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Endpoint returns the issue source API root, defaulting to hosted Sentry.
func (c Config) Endpoint() string {
	if c.IssueEndpoint != "" {
		return c.IssueEndpoint
	}
	return DefaultIssueBaseURL
}

// ActiveAt reports whether the tenant was seen within window of now.
func (c Config) ActiveAt(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastSeenAt) <= window
}

// ExpiredAt reports whether the tenant has not been seen for longer than window.
func (c Config) ExpiredAt(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastSeenAt) > window
}

// BackingOff reports whether the tenant is suspended at now.
func (c Config) BackingOff(now time.Time) bool {
	return c.BackoffUntil.After(now)
}

// Registration is an inbound tenant configuration. Raw tokens and references
// are both accepted; raw tokens are persisted in the secret store and replaced
// by secret: references.
type Registration struct {
	Org      string `json:"org"`
	Endpoint string `json:"endpoint,omitempty"`

	IssueToken         string `json:"issue_token,omitempty"`
	IssueCredentialRef string `json:"issue_credential_ref,omitempty"`

	CodeHostToken         string `json:"code_host_token,omitempty"`
	CodeHostCredentialRef string `json:"code_host_credential_ref,omitempty"`

	Owner string `json:"owner,omitempty"`
	// Repository is "name" or "owner/name".
	Repository string   `json:"repository,omitempty"`
	Projects   []string `json:"projects,omitempty"`
}

// Store persists tenants and their raw secrets. Implementations must be safe
// for concurrent use.
type Store interface {
	GetTenant(ctx context.Context, key string) (*Config, error)
	UpsertTenant(ctx context.Context, cfg Config) error
	ListTenants(ctx context.Context) ([]Config, error)
	// DeleteTenant removes the tenant and every secret stored under its key.
	DeleteTenant(ctx context.Context, key string) error

	SecretStore
}

// SecretStore holds raw tokens referenced by secret:<key>/<name>.
type SecretStore interface {
	PutSecret(ctx context.Context, tenantKey, name, value string) error
	GetSecret(ctx context.Context, tenantKey, name string) (string, error)
}

// Key derives the stable tenant key from its identity.
func Key(org, owner, repository string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(org + "/" + owner + "/" + repository)))
	return hex.EncodeToString(sum[:])[:16]
}

// IsPlaceholderOrg reports whether org is a documentation placeholder.
func IsPlaceholderOrg(org string) bool {
	_, ok := placeholderOrgs[strings.ToLower(strings.TrimSpace(org))]
	return ok
}

// normalize lowercases the org, trims every field and splits owner/name
// repositories.
func (r Registration) normalize() (Registration, error) {
	r.Org = strings.ToLower(strings.TrimSpace(r.Org))
	r.Endpoint = strings.TrimRight(strings.TrimSpace(r.Endpoint), "/")
	r.IssueToken = strings.TrimSpace(r.IssueToken)
	r.IssueCredentialRef = strings.TrimSpace(r.IssueCredentialRef)
	r.CodeHostToken = strings.TrimSpace(r.CodeHostToken)
	r.CodeHostCredentialRef = strings.TrimSpace(r.CodeHostCredentialRef)
	r.Owner = strings.TrimSpace(r.Owner)
	r.Repository = strings.Trim(strings.TrimSpace(r.Repository), "/")

	if r.Org == "" {
		return r, ErrInvalidOrg
	}
	if IsPlaceholderOrg(r.Org) {
		return r, ErrPlaceholderOrg
	}
	if owner, name, ok := strings.Cut(r.Repository, "/"); ok {
		if owner == "" || name == "" || strings.Contains(name, "/") {
			return r, ErrInvalidRepository
		}
		r.Owner, r.Repository = owner, name
	}
	if r.Owner == "" {
		r.Owner = r.Org
	}

	projects := r.Projects[:0:0]
	for _, p := range r.Projects {
		if p = strings.TrimSpace(p); p != "" {
			projects = append(projects, p)
		}
	}
	r.Projects = projects
	return r, nil
}
