package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/selfheal/internal/http"

// requestMetrics records request counts, latency and rejected intake
// credentials. Instruments that fail to register stay nil and are skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
	rejected metric.Int64Counter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	m := &requestMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("selfheal.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status class"),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("http requests counter unavailable", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("selfheal.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 1, 2.5, 10)); err != nil {
		logger.Warn("http duration histogram unavailable", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter("selfheal.http.active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("http in-flight gauge unavailable", zap.Error(err))
	}
	if m.rejected, err = meter.Int64Counter("selfheal.http.intake_rejected_total",
		metric.WithDescription("Requests to the tenant API with a missing or wrong intake token"),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("http rejection counter unavailable", zap.Error(err))
	}
	return m
}

func newGlobalRequestMetrics(logger *zap.Logger) *requestMetrics {
	return newRequestMetrics(otel.Meter(instrumentationName), logger)
}

// middleware records every request under its matched route.
func (m *requestMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		start := time.Now()
		if m.inFlight != nil {
			m.inFlight.Add(ctx, 1)
			defer m.inFlight.Add(ctx, -1)
		}

		err := next(c)

		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			// The error handler writes the response after the middleware returns.
			status = he.Code
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request().Method),
			attribute.String("route", routeLabel(c.Path())),
			attribute.String("status_class", statusClass(status)),
		)
		if m.requests != nil {
			m.requests.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		return err
	}
}

func (m *requestMetrics) recordRejected(ctx context.Context, reason string) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// routeLabel maps requests that matched no route to a single label. Every
// route is static, so matched paths are already low-cardinality.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
