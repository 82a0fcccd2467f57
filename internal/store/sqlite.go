// Package store provides the SQLite-backed persistence for the tenant
// registry and the deduplication ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// SQLite implements tenant.Store and ledger.Store on one database file.
type SQLite struct {
	db *sql.DB
}

var (
	_ tenant.Store = (*SQLite)(nil)
	_ ledger.Store = (*SQLite)(nil)
)

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing database path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}

	// Single connection: writers are serialized and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const tenantColumns = `tenant_key, issue_org, issue_endpoint, issue_credential, code_host_credential,
owner, repository, projects, registered_at_unix_ms, last_seen_at_unix_ms, watermark_unix_ms,
failure_count, backoff_until_unix_ms, last_error`

// GetTenant implements tenant.Store.
func (s *SQLite) GetTenant(ctx context.Context, key string) (*tenant.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_key = ?`, key)
	cfg, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	return cfg, err
}

// UpsertTenant implements tenant.Store.
func (s *SQLite) UpsertTenant(ctx context.Context, cfg tenant.Config) error {
	projects, err := json.Marshal(nonNil(cfg.Projects))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tenants (`+tenantColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_key) DO UPDATE SET
	issue_org = excluded.issue_org,
	issue_endpoint = excluded.issue_endpoint,
	issue_credential = excluded.issue_credential,
	code_host_credential = excluded.code_host_credential,
	owner = excluded.owner,
	repository = excluded.repository,
	projects = excluded.projects,
	last_seen_at_unix_ms = excluded.last_seen_at_unix_ms,
	watermark_unix_ms = excluded.watermark_unix_ms,
	failure_count = excluded.failure_count,
	backoff_until_unix_ms = excluded.backoff_until_unix_ms,
	last_error = excluded.last_error
`,
		cfg.Key,
		cfg.IssueOrg,
		cfg.IssueEndpoint,
		cfg.IssueCredential,
		cfg.CodeHostCredential,
		cfg.Owner,
		cfg.Repository,
		string(projects),
		toUnixMs(cfg.RegisteredAt),
		toUnixMs(cfg.LastSeenAt),
		toUnixMs(cfg.Watermark),
		cfg.FailureCount,
		toUnixMs(cfg.BackoffUntil),
		cfg.LastError,
	)
	return err
}

// ListTenants implements tenant.Store.
func (s *SQLite) ListTenants(ctx context.Context) ([]tenant.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY tenant_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.Config
	for rows.Next() {
		cfg, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// DeleteTenant implements tenant.Store. Secrets go with the tenant; ledger
// records are kept so a re-registered tenant does not reprocess issues.
func (s *SQLite) DeleteTenant(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_secrets WHERE tenant_key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

// PutSecret implements tenant.SecretStore.
func (s *SQLite) PutSecret(ctx context.Context, tenantKey, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tenant_secrets (tenant_key, name, value, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(tenant_key, name) DO UPDATE SET
	value = excluded.value,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`, tenantKey, name, value, time.Now().UnixMilli())
	return err
}

// GetSecret implements tenant.SecretStore.
func (s *SQLite) GetSecret(ctx context.Context, tenantKey, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tenant_secrets WHERE tenant_key = ? AND name = ?`, tenantKey, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tenant.ErrNotFound
	}
	return v, err
}

// Exists implements ledger.Store.
func (s *SQLite) Exists(ctx context.Context, tenantKey, issueID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM processed_records WHERE tenant_key = ? AND issue_id = ?`, tenantKey, issueID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Insert implements ledger.Store.
func (s *SQLite) Insert(ctx context.Context, rec ledger.Record) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO processed_records (tenant_key, issue_id, outcome, reason, pull_request_url, recorded_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_key, issue_id) DO NOTHING
`, rec.TenantKey, rec.IssueID, string(rec.Outcome), rec.Reason, rec.PullRequestURL, toUnixMs(rec.RecordedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAlreadyRecorded
	}
	return nil
}

// List implements ledger.Store.
func (s *SQLite) List(ctx context.Context, tenantKey string) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tenant_key, issue_id, outcome, reason, pull_request_url, recorded_at_unix_ms
FROM processed_records
WHERE tenant_key = ?
ORDER BY recorded_at_unix_ms ASC, issue_id ASC
`, tenantKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var outcome string
		var recordedAt int64
		if err := rows.Scan(&rec.TenantKey, &rec.IssueID, &outcome, &rec.Reason, &rec.PullRequestURL, &recordedAt); err != nil {
			return nil, err
		}
		rec.Outcome = ledger.Outcome(outcome)
		rec.RecordedAt = fromUnixMs(recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*tenant.Config, error) {
	var cfg tenant.Config
	var projects string
	var registered, lastSeen, watermark, backoff int64
	if err := row.Scan(
		&cfg.Key,
		&cfg.IssueOrg,
		&cfg.IssueEndpoint,
		&cfg.IssueCredential,
		&cfg.CodeHostCredential,
		&cfg.Owner,
		&cfg.Repository,
		&projects,
		&registered,
		&lastSeen,
		&watermark,
		&cfg.FailureCount,
		&backoff,
		&cfg.LastError,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(projects), &cfg.Projects); err != nil {
		return nil, fmt.Errorf("decode projects for %s: %w", cfg.Key, err)
	}
	if len(cfg.Projects) == 0 {
		cfg.Projects = nil
	}
	cfg.RegisteredAt = fromUnixMs(registered)
	cfg.LastSeenAt = fromUnixMs(lastSeen)
	cfg.Watermark = fromUnixMs(watermark)
	cfg.BackoffUntil = fromUnixMs(backoff)
	return &cfg, nil
}

func toUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
