// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if key := TenantKeyFromContext(ctx); key != "" {
		fields = append(fields, zap.String("tenant.key", key))
	}
	if id := IssueIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("issue.id", id))
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}

	return fields
}

type tenantCtxKey struct{}
type issueCtxKey struct{}
type runCtxKey struct{}

// WithTenantKey adds the tenant key to context.
func WithTenantKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, key)
}

// TenantKeyFromContext extracts the tenant key from context.
func TenantKeyFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tenantCtxKey{}).(string)
	return s
}

// WithIssueID adds the issue identifier to context.
func WithIssueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, issueCtxKey{}, id)
}

// IssueIDFromContext extracts the issue identifier from context.
func IssueIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(issueCtxKey{}).(string)
	return s
}

// WithRunID adds a cycle or pipeline run identifier to context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, id)
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}
