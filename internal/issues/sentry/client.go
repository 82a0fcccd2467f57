// Package sentry implements issues.Source against the Sentry REST API.
package sentry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

const (
	// DefaultBaseURL is the hosted Sentry API root.
	DefaultBaseURL = "https://sentry.io/api/0"

	defaultTimeout    = 30 * time.Second
	defaultQuery      = "is:unresolved level:error"
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBodyBytes      = 10 << 20
	maxPages          = 20
)

// Config configures the Sentry client.
type Config struct {
	Timeout        time.Duration
	RequestsPerSec float64
	// Query is the issue search query; the since filter is appended.
	Query string
	// Limit caps issues returned per project and poll.
	Limit      int
	MaxRetries int
	HTTPClient *http.Client
}

// Client is a rate-limited Sentry API client. It is safe for concurrent use;
// per-tenant credentials travel in each call's issues.Endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

var _ issues.Source = (*Client)(nil)

// NewClient creates a Sentry client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Query == "" {
		cfg.Query = defaultQuery
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1),
		logger:  logger,
	}
}

// ListUnresolvedIssues implements issues.Source.
func (c *Client) ListUnresolvedIssues(ctx context.Context, ep issues.Endpoint, project string, since time.Time) ([]issues.Issue, error) {
	query := c.cfg.Query
	if !since.IsZero() {
		query += " lastSeen:>" + since.UTC().Format("2006-01-02T15:04:05")
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("sort", "date")
	if c.cfg.Limit > 0 {
		params.Set("limit", strconv.Itoa(c.cfg.Limit))
	}

	path := fmt.Sprintf("/projects/%s/%s/issues/", url.PathEscape(ep.Org), url.PathEscape(project))
	var raw []issueJSON
	if _, err := c.get(ctx, ep, path, params, &raw); err != nil {
		return nil, err
	}

	out := make([]issues.Issue, 0, len(raw))
	for _, r := range raw {
		iss := r.toIssue(project)
		// The search filter has second granularity; recheck on our side.
		if !since.IsZero() && !iss.LastSeen.After(since) {
			continue
		}
		out = append(out, iss)
	}
	return out, nil
}

// FetchEvent implements issues.Source.
func (c *Client) FetchEvent(ctx context.Context, ep issues.Endpoint, issueID string) (*issues.Event, error) {
	var raw eventJSON
	path := fmt.Sprintf("/issues/%s/events/latest/", url.PathEscape(issueID))
	if _, err := c.get(ctx, ep, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.toEvent(), nil
}

// ListProjects implements issues.Source.
func (c *Client) ListProjects(ctx context.Context, ep issues.Endpoint) ([]issues.Project, error) {
	var out []issues.Project
	path := fmt.Sprintf("/organizations/%s/projects/", url.PathEscape(ep.Org))
	err := c.paginate(ctx, ep, path, func(body json.RawMessage) error {
		var page []struct {
			Slug string `json:"slug"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}
		for _, p := range page {
			out = append(out, issues.Project{Slug: p.Slug, Name: p.Name})
		}
		return nil
	})
	return out, err
}

// ListRepositories implements issues.Source. Only repositories whose
// name has the owner/name form are returned.
func (c *Client) ListRepositories(ctx context.Context, ep issues.Endpoint) ([]issues.Repository, error) {
	var out []issues.Repository
	path := fmt.Sprintf("/organizations/%s/repos/", url.PathEscape(ep.Org))
	err := c.paginate(ctx, ep, path, func(body json.RawMessage) error {
		var page []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}
		for _, r := range page {
			owner, name, ok := strings.Cut(r.Name, "/")
			if !ok || owner == "" || name == "" {
				continue
			}
			out = append(out, issues.Repository{Owner: owner, Name: name})
		}
		return nil
	})
	return out, err
}

var nextCursor = regexp.MustCompile(`<[^>]*[?&]cursor=([^&>]+)[^>]*>;\s*rel="next";\s*results="true"`)

func (c *Client) paginate(ctx context.Context, ep issues.Endpoint, path string, page func(json.RawMessage) error) error {
	params := url.Values{}
	for i := 0; i < maxPages; i++ {
		var body json.RawMessage
		header, err := c.get(ctx, ep, path, params, &body)
		if err != nil {
			return err
		}
		if err := page(body); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		m := nextCursor.FindStringSubmatch(header.Get("Link"))
		if m == nil {
			return nil
		}
		cursor, err := url.QueryUnescape(m[1])
		if err != nil {
			return nil
		}
		params.Set("cursor", cursor)
	}
	return nil
}

// get performs a GET with rate limiting, a per-call timeout and retries on
// 429/5xx. The decoded body is written to out.
func (c *Client) get(ctx context.Context, ep issues.Endpoint, path string, params url.Values, out any) (http.Header, error) {
	base := strings.TrimRight(ep.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	endpoint := base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	backoff := defaultBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		header, err := c.do(ctx, ep, endpoint, path, out)
		if err == nil {
			return header, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if wait := retryAfter(err); wait > 0 {
			backoff = wait
		}
		c.logger.Debug(ctx, "retrying issue source request",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("issue source: max retries exceeded: %w", lastErr)
}

func (c *Client) do(ctx context.Context, ep issues.Endpoint, endpoint, path string, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ep.Token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+ep.Token.Value())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issue source %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", path, issues.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &responseError{
			APIError: issues.APIError{
				Status:   resp.StatusCode,
				Endpoint: path,
				Body:     truncate(string(body), 200),
			},
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.Header, nil
}

// responseError carries Retry-After alongside the public APIError.
type responseError struct {
	issues.APIError
	retryAfter time.Duration
}

func (e *responseError) Error() string { return e.APIError.Error() }

func (e *responseError) Unwrap() error { return &e.APIError }

func retryable(err error) bool {
	var re *responseError
	if ok := asResponseError(err, &re); ok {
		return re.Status == http.StatusTooManyRequests || re.Status >= 500
	}
	return false
}

func retryAfter(err error) time.Duration {
	var re *responseError
	if asResponseError(err, &re) {
		return re.retryAfter
	}
	return 0
}

func asResponseError(err error, target **responseError) bool {
	re, ok := err.(*responseError)
	if ok {
		*target = re
	}
	return ok
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
