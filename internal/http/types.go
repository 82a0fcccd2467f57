package http

import (
	"time"

	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version,omitempty"`
	Tenants TenantCounts `json:"tenants"`
}

// TenantCounts summarizes the registry.
type TenantCounts struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	BackingOff int `json:"backing_off"`
}

// TenantResponse is the public view of a tenant. Credential references are
// included; secret values never are.
type TenantResponse struct {
	Key                string     `json:"key"`
	IssueOrg           string     `json:"issue_org"`
	IssueEndpoint      string     `json:"issue_endpoint"`
	IssueCredential    string     `json:"issue_credential"`
	CodeHostCredential string     `json:"code_host_credential"`
	Owner              string     `json:"owner"`
	Repository         string     `json:"repository,omitempty"`
	Projects           []string   `json:"projects,omitempty"`
	RegisteredAt       time.Time  `json:"registered_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	Watermark          *time.Time `json:"watermark,omitempty"`
	FailureCount       int        `json:"failure_count,omitempty"`
	BackoffUntil       *time.Time `json:"backoff_until,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

func tenantResponse(cfg tenant.Config) TenantResponse {
	resp := TenantResponse{
		Key:                cfg.Key,
		IssueOrg:           cfg.IssueOrg,
		IssueEndpoint:      cfg.Endpoint(),
		IssueCredential:    cfg.IssueCredential,
		CodeHostCredential: cfg.CodeHostCredential,
		Owner:              cfg.Owner,
		Repository:         cfg.Repository,
		Projects:           cfg.Projects,
		RegisteredAt:       cfg.RegisteredAt,
		LastSeenAt:         cfg.LastSeenAt,
		FailureCount:       cfg.FailureCount,
		LastError:          cfg.LastError,
	}
	if !cfg.Watermark.IsZero() {
		w := cfg.Watermark
		resp.Watermark = &w
	}
	if !cfg.BackoffUntil.IsZero() {
		b := cfg.BackoffUntil
		resp.BackoffUntil = &b
	}
	return resp
}
