package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

const testToken = "intake-token"

type testServer struct {
	*Server
	registry *tenant.Registry
	ledger   *ledger.Ledger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := tenant.NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	require.NoError(t, err)
	reg := tenant.NewRegistry(store, tenant.Options{})
	led := ledger.New(ledger.NewMemoryStore())

	server, err := NewServer(reg, led, zap.NewNop(), &Config{
		Host:        "localhost",
		Port:        9090,
		IntakeToken: config.Secret(testToken),
		Version:     "1.2.3",
	})
	require.NoError(t, err)
	return &testServer{Server: server, registry: reg, ledger: led}
}

func (s *testServer) do(method, target, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authorized {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	store, err := tenant.NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	require.NoError(t, err)
	reg := tenant.NewRegistry(store, tenant.Options{})
	led := ledger.New(ledger.NewMemoryStore())

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(reg, led, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(reg, led, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, led, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry cannot be nil")
	})

	t.Run("tenant API is not mounted without an intake token", func(t *testing.T) {
		server, err := NewServer(reg, led, zap.NewNop(), nil)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/tenants", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(http.MethodGet, "/metrics", "", false)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleRegister(t *testing.T) {
	t.Run("registers a tenant and hides raw tokens", func(t *testing.T) {
		server := setupTestServer(t)

		body := `{"org":"acme","repository":"acme/shop","issue_token":"sntrys_raw","code_host_token":"ghp_raw","projects":["shop"]}`
		rec := server.do(http.MethodPost, "/v1/tenants", body, true)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "sntrys_raw")
		assert.NotContains(t, rec.Body.String(), "ghp_raw")

		var resp TenantResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "acme/acme/shop", resp.Key)
		assert.Equal(t, "acme", resp.Owner)
		assert.Equal(t, "shop", resp.Repository)
		assert.Equal(t, tenant.DefaultIssueBaseURL, resp.IssueEndpoint)
		assert.True(t, strings.HasPrefix(resp.IssueCredential, "secret:"))
		assert.Nil(t, resp.Watermark)

		cfg, err := server.registry.Get(context.Background(), "acme/acme/shop")
		require.NoError(t, err)
		assert.Equal(t, []string{"shop"}, cfg.Projects)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		server := setupTestServer(t)

		rec := server.do(http.MethodPost, "/v1/tenants", `{"org":"acme"}`, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a wrong token", func(t *testing.T) {
		server := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/v1/tenants", bytes.NewReader([]byte(`{"org":"acme"}`)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer nope")
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("placeholder org is a bad request", func(t *testing.T) {
		server := setupTestServer(t)

		body := `{"org":"your-org","issue_token":"a","code_host_token":"b"}`
		rec := server.do(http.MethodPost, "/v1/tenants", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing credential is a bad request", func(t *testing.T) {
		server := setupTestServer(t)

		rec := server.do(http.MethodPost, "/v1/tenants", `{"org":"acme","issue_token":"a"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		server := setupTestServer(t)

		rec := server.do(http.MethodPost, "/v1/tenants", `invalid json`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleListTenants(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()
	for _, org := range []string{"beta", "acme"} {
		_, err := server.registry.Register(ctx, tenant.Registration{Org: org, IssueToken: "i", CodeHostToken: "c"})
		require.NoError(t, err)
	}

	rec := server.do(http.MethodGet, "/v1/tenants", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []TenantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "acme", resp[0].IssueOrg)
	assert.Equal(t, "beta", resp[1].IssueOrg)
}

func TestHandleListLedger(t *testing.T) {
	server := setupTestServer(t)
	require.NoError(t, server.ledger.Commit(context.Background(), ledger.Record{
		TenantKey:      "acme/acme/shop",
		IssueID:        "1",
		Outcome:        ledger.OutcomeDone,
		PullRequestURL: "https://github.com/acme/shop/pull/7",
	}))

	t.Run("lists records", func(t *testing.T) {
		rec := server.do(http.MethodGet, "/v1/ledger?tenant=acme/acme/shop", "", true)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp []ledger.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
		assert.Equal(t, "1", resp[0].IssueID)
		assert.Equal(t, ledger.OutcomeDone, resp[0].Outcome)
	})

	t.Run("unknown tenant is an empty list", func(t *testing.T) {
		rec := server.do(http.MethodGet, "/v1/ledger?tenant=none", "", true)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("tenant is required", func(t *testing.T) {
		rec := server.do(http.MethodGet, "/v1/ledger", "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	server := setupTestServer(t)
	_, err := server.registry.Register(context.Background(), tenant.Registration{Org: "acme", IssueToken: "i", CodeHostToken: "c"})
	require.NoError(t, err)

	rec := server.do(http.MethodGet, "/status", "", false)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, TenantCounts{Total: 1, Active: 1}, resp.Tenants)
}
