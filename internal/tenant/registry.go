package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	issueSecretName    = "issue_token"
	codeHostSecretName = "code_host_token"
)

// Options tunes registry lifecycle windows.
type Options struct {
	ActiveWindow time.Duration
	ExpiryWindow time.Duration
	// BackoffBase is the first suspension after a fatal failure. It doubles
	// on each consecutive failure up to MaxBackoff.
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the tenant registry. Read-modify-write operations are
// serialized within the process; the store provides cross-call durability.
type Registry struct {
	mu    sync.Mutex
	store Store
	opts  Options
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts Options) *Registry {
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = DefaultActiveWindow
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: store, opts: opts}
}

// Secrets exposes the underlying secret store for credential resolution.
func (r *Registry) Secrets() SecretStore {
	return r.store
}

// Register creates or refreshes a tenant. Non-empty fields of reg overwrite
// the stored record; LastSeenAt is always set to now.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Config, error) {
	reg, err := reg.normalize()
	if err != nil {
		return nil, err
	}
	key := Key(reg.Org, reg.Owner, reg.Repository)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now().UTC()
	cfg, err := r.store.GetTenant(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg = &Config{
			Key:          key,
			IssueOrg:     reg.Org,
			Owner:        reg.Owner,
			Repository:   reg.Repository,
			RegisteredAt: now,
		}
	case err != nil:
		return nil, fmt.Errorf("load tenant %s: %w", key, err)
	}

	if reg.Endpoint != "" {
		cfg.IssueEndpoint = reg.Endpoint
	}
	if len(reg.Projects) > 0 {
		cfg.Projects = reg.Projects
	}

	issueRef, err := r.credentialRef(ctx, key, issueSecretName, reg.IssueToken, reg.IssueCredentialRef)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	if issueRef != "" {
		cfg.IssueCredential = issueRef
	}
	hostRef, err := r.credentialRef(ctx, key, codeHostSecretName, reg.CodeHostToken, reg.CodeHostCredentialRef)
	if err != nil {
		return nil, fmt.Errorf("code host credential: %w", err)
	}
	if hostRef != "" {
		cfg.CodeHostCredential = hostRef
	}

	if cfg.IssueCredential == "" {
		return nil, fmt.Errorf("issue credential: %w", ErrMissingCredential)
	}
	if cfg.CodeHostCredential == "" {
		return nil, fmt.Errorf("code host credential: %w", ErrMissingCredential)
	}

	cfg.LastSeenAt = now
	if err := r.store.UpsertTenant(ctx, *cfg); err != nil {
		return nil, fmt.Errorf("save tenant %s: %w", key, err)
	}
	return cfg, nil
}

// credentialRef stores a raw token and returns its reference, or validates
// and returns an explicit reference. Both empty yields "".
func (r *Registry) credentialRef(ctx context.Context, key, name, token, ref string) (string, error) {
	if token != "" {
		if err := r.store.PutSecret(ctx, key, name, token); err != nil {
			return "", fmt.Errorf("store secret: %w", err)
		}
		return SecretRef(key, name), nil
	}
	if ref == "" {
		return "", nil
	}
	if _, _, err := ParseRef(ref); err != nil {
		return "", err
	}
	return ref, nil
}

// Get returns one tenant.
func (r *Registry) Get(ctx context.Context, key string) (*Config, error) {
	return r.store.GetTenant(ctx, key)
}

// List returns every stored tenant sorted by key, active or not.
func (r *Registry) List(ctx context.Context) ([]Config, error) {
	all, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all, nil
}

// ListActive returns tenants seen within the active window, sorted by key.
func (r *Registry) ListActive(ctx context.Context) ([]Config, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.opts.Now()
	active := all[:0]
	for _, cfg := range all {
		if cfg.ActiveAt(now, r.opts.ActiveWindow) {
			active = append(active, cfg)
		}
	}
	return active, nil
}

// PruneExpired deletes tenants not seen for longer than the expiry window and
// returns how many were removed.
func (r *Registry) PruneExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	now := r.opts.Now()
	pruned := 0
	for _, cfg := range all {
		if !cfg.ExpiredAt(now, r.opts.ExpiryWindow) {
			continue
		}
		if err := r.store.DeleteTenant(ctx, cfg.Key); err != nil {
			return pruned, fmt.Errorf("delete tenant %s: %w", cfg.Key, err)
		}
		pruned++
	}
	return pruned, nil
}

// RecordFailure notes a fatal tenant failure (for example a revoked issue
// source credential) and suspends the tenant with exponential back-off.
// It returns the time polling resumes.
func (r *Registry) RecordFailure(ctx context.Context, key, reason string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.store.GetTenant(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	cfg.FailureCount++
	cfg.LastError = reason
	cfg.BackoffUntil = r.opts.Now().UTC().Add(r.backoff(cfg.FailureCount))
	if err := r.store.UpsertTenant(ctx, *cfg); err != nil {
		return time.Time{}, err
	}
	return cfg.BackoffUntil, nil
}

func (r *Registry) backoff(failures int) time.Duration {
	d := r.opts.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if d > r.opts.MaxBackoff {
		return r.opts.MaxBackoff
	}
	return d
}

// RecordSuccess clears back-off state and advances the watermark. The
// watermark never moves backwards.
func (r *Registry) RecordSuccess(ctx context.Context, key string, watermark time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.store.GetTenant(ctx, key)
	if err != nil {
		return err
	}
	if cfg.FailureCount == 0 && cfg.BackoffUntil.IsZero() && !watermark.After(cfg.Watermark) {
		return nil
	}
	cfg.FailureCount = 0
	cfg.BackoffUntil = time.Time{}
	cfg.LastError = ""
	if watermark.After(cfg.Watermark) {
		cfg.Watermark = watermark.UTC()
	}
	return r.store.UpsertTenant(ctx, *cfg)
}
