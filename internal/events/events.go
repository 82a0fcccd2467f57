// Package events publishes pipeline outcome events to NATS.
//
// Events are published to subjects:
//   - {base}.{tenant_key}.done
//   - {base}.{tenant_key}.skipped
//   - {base}.{tenant_key}.failed
//
// Publishing is best effort: a lost event never changes an outcome.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "selfheal.outcomes"

// Event reports the outcome of one pipeline run.
type Event struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id,omitempty"`
	TenantKey      string    `json:"tenant_key"`
	IssueID        string    `json:"issue_id"`
	ShortID        string    `json:"short_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSPublisher publishes on an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("selfheal"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, subject)
	p.owned = true
	return p, nil
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", p.subject, token(ev.TenantKey), token(ev.Outcome))
}

// Publish implements Publisher. Missing ID, timestamp and trace ID are
// filled in.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	ev = complete(ctx, ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Outcome, err)
	}
	return nil
}

// Close flushes and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, complete(ctx, ev))
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func complete(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ev.TraceID = sc.TraceID().String()
		}
	}
	return ev
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
