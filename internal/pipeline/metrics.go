package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/selfheal/internal/pipeline"

type metrics struct {
	outcomes      metric.Int64Counter
	stageDuration metric.Float64Histogram
	redactions    metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}

	var err error
	m.outcomes, err = meter.Int64Counter(
		"selfheal.pipeline.outcomes",
		metric.WithDescription("Pipeline runs by terminal outcome (done, skipped, failed, duplicate) and reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create outcomes counter", zap.Error(err))
	}

	m.stageDuration, err = meter.Float64Histogram(
		"selfheal.pipeline.stage.duration",
		metric.WithDescription("Duration of each pipeline stage in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		logger.Warn("failed to create stage duration histogram", zap.Error(err))
	}

	m.redactions, err = meter.Int64Counter(
		"selfheal.pipeline.redactions",
		metric.WithDescription("Secrets masked in context packs before they were sent to the oracle"),
		metric.WithUnit("{secret}"),
	)
	if err != nil {
		logger.Warn("failed to create redactions counter", zap.Error(err))
	}
	return m
}

func (m *metrics) recordOutcome(ctx context.Context, out Outcome) {
	if m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(out.Status)),
		attribute.String("reason", out.Reason),
	))
}

func (m *metrics) recordStage(ctx context.Context, stage Stage, d time.Duration, err error) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.Bool("error", err != nil),
	))
}

func (m *metrics) recordRedactions(ctx context.Context, n int) {
	if m.redactions != nil && n > 0 {
		m.redactions.Add(ctx, int64(n))
	}
}
