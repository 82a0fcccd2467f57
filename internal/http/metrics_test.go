package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// collectSum returns the summed int64 counter name per value of attribute key.
func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name, key string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.Emit()] += dp.Value
			}
		}
	}
	return out
}

func TestRequestMetrics_Middleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newRequestMetrics(mp.Meter(instrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.middleware)
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/v1/tenants", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad registration")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/health"},
		{http.MethodPost, "/v1/tenants"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	byRoute := collectSum(t, reader, "selfheal.http.requests_total", "route")
	assert.Equal(t, int64(2), byRoute["/health"])
	assert.Equal(t, int64(1), byRoute["/v1/tenants"])

	byClass := collectSum(t, reader, "selfheal.http.requests_total", "status_class")
	assert.Equal(t, int64(2), byClass["2xx"])
	assert.Equal(t, int64(1), byClass["4xx"])
}

func TestRequestMetrics_RecordRejected(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newRequestMetrics(mp.Meter(instrumentationName), zap.NewNop())

	m.recordRejected(context.Background(), "missing")
	m.recordRejected(context.Background(), "mismatch")
	m.recordRejected(context.Background(), "mismatch")

	got := collectSum(t, reader, "selfheal.http.intake_rejected_total", "reason")
	assert.Equal(t, map[string]int64{"missing": 1, "mismatch": 2}, got)
}

func TestRouteLabelAndStatusClass(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/v1/ledger", routeLabel("/v1/ledger"))
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(0))
}
