package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/selfheal/internal/workflows"

// Metrics for remediation workflows
var (
	remediationCounter   metric.Int64Counter
	remediationDuration  metric.Float64Histogram
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	// Dispatch outcomes, as seen by the scheduler
	remediationCounter, err = meter.Int64Counter(
		"selfheal.workflows.remediation.executions",
		metric.WithDescription("Total number of remediation workflow executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create remediation counter: %v", err))
	}

	remediationDuration, err = meter.Float64Histogram(
		"selfheal.workflows.remediation.duration",
		metric.WithDescription("Duration of remediation workflow executions, start to result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create remediation duration: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"selfheal.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"selfheal.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordActivity(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}

func recordRemediation(ctx context.Context, status string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", status))
	remediationCounter.Add(ctx, 1, attrs)
	remediationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
