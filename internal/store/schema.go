package store

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_key TEXT PRIMARY KEY,
    issue_org TEXT NOT NULL,
    issue_endpoint TEXT NOT NULL DEFAULT '',
    issue_credential TEXT NOT NULL,
    code_host_credential TEXT NOT NULL,
    owner TEXT NOT NULL,
    repository TEXT NOT NULL DEFAULT '',
    projects TEXT NOT NULL DEFAULT '[]',
    registered_at_unix_ms INTEGER NOT NULL,
    last_seen_at_unix_ms INTEGER NOT NULL,
    watermark_unix_ms INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    backoff_until_unix_ms INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tenants_last_seen ON tenants(last_seen_at_unix_ms);

CREATE TABLE IF NOT EXISTS tenant_secrets (
    tenant_key TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at_unix_ms INTEGER NOT NULL,
    PRIMARY KEY (tenant_key, name)
);

CREATE TABLE IF NOT EXISTS processed_records (
    tenant_key TEXT NOT NULL,
    issue_id TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('done', 'skipped')),
    reason TEXT NOT NULL DEFAULT '',
    pull_request_url TEXT NOT NULL DEFAULT '',
    recorded_at_unix_ms INTEGER NOT NULL,
    PRIMARY KEY (tenant_key, issue_id)
);
`
