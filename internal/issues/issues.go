// Package issues defines the read-only contract over the error-tracking
// backend and the immutable issue snapshot the pipeline works on.
package issues

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/selfheal/internal/config"
)

// Issue is a snapshot of one unresolved error as of the moment it was fetched.
type Issue struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"short_id"`
	Title     string    `json:"title"`
	Culprit   string    `json:"culprit,omitempty"`
	Permalink string    `json:"permalink,omitempty"`
	Project   string    `json:"project"`
	Level     string    `json:"level,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int64     `json:"count"`

	// Filled by FetchEvent.
	Frames    []StackFrame `json:"frames,omitempty"`
	Release   string       `json:"release,omitempty"`
	CommitSHA string       `json:"commit_sha,omitempty"`
}

// DisplayID returns the short identifier when known, otherwise the raw ID.
func (i Issue) DisplayID() string {
	if i.ShortID != "" {
		return i.ShortID
	}
	return i.ID
}

// StackFrame is one frame of the latest event's stack trace.
type StackFrame struct {
	Filename    string   `json:"filename"`
	AbsPath     string   `json:"abs_path,omitempty"`
	Module      string   `json:"module,omitempty"`
	Function    string   `json:"function,omitempty"`
	LineNo      int      `json:"line_no"`
	ContextLine string   `json:"context_line,omitempty"`
	PreContext  []string `json:"pre_context,omitempty"`
	PostContext []string `json:"post_context,omitempty"`
	InApp       bool     `json:"in_app"`
}

// Path returns the most specific path recorded for the frame.
func (f StackFrame) Path() string {
	if f.Filename != "" {
		return f.Filename
	}
	return f.AbsPath
}

// Event is the latest occurrence of an issue.
type Event struct {
	ID        string       `json:"id"`
	Frames    []StackFrame `json:"frames"`
	Release   string       `json:"release,omitempty"`
	CommitSHA string       `json:"commit_sha,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Project is an issue-source project.
type Project struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Repository is a code-host repository linked to the issue-source organization.
type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Endpoint addresses one organization on one issue-source installation.
type Endpoint struct {
	BaseURL string
	Org     string
	Token   config.Secret
}

// Source is the issue-source adapter contract.
type Source interface {
	// ListUnresolvedIssues returns unresolved issues for project with LastSeen
	// after since. A zero since returns all unresolved issues.
	ListUnresolvedIssues(ctx context.Context, ep Endpoint, project string, since time.Time) ([]Issue, error)
	// FetchEvent returns the latest event for the issue.
	FetchEvent(ctx context.Context, ep Endpoint, issueID string) (*Event, error)
	ListProjects(ctx context.Context, ep Endpoint) ([]Project, error)
	ListRepositories(ctx context.Context, ep Endpoint) ([]Repository, error)
}

// ErrNotFound is returned when the issue source has no such resource.
var ErrNotFound = errors.New("issues: not found")

// APIError is a non-2xx response from the issue source.
type APIError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("issue source %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// IsTransient reports whether err should be retried on a later cycle.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return err != nil && !errors.Is(err, ErrNotFound)
}

// IsCredentialError reports whether err means the tenant's credential was
// rejected by the issue source.
func IsCredentialError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}
