package oracle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/selfheal/internal/oracle"

// Metrics records oracle call latency and outcomes.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// NewMetrics creates oracle instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"selfheal.oracle.duration_seconds",
		metric.WithDescription("Duration of fix oracle calls in seconds, labeled by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.calls, err = m.meter.Int64Counter(
		"selfheal.oracle.calls_total",
		metric.WithDescription("Fix oracle calls by provider, model and result (proposed, no_fix, malformed, error)"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create calls counter", zap.Error(err))
	}
}

// RecordCall records one completed call.
func (m *Metrics) RecordCall(ctx context.Context, provider, model, result string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("result", result),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
}
