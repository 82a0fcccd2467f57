package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed poll cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Total number of completed poll cycles",
		},
	)

	// CycleDuration tracks how long a full cycle takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// TenantPolls counts tenant polls.
	// Labels: result (ok, error, fatal, backoff, busy)
	TenantPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "tenant_polls_total",
			Help:      "Total number of tenant polls by result",
		},
		[]string{"result"},
	)

	// IssuesDispatched counts issues handed to the pipeline.
	// Labels: outcome (done, skipped, failed, duplicate)
	IssuesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "issues_dispatched_total",
			Help:      "Total number of issues dispatched by pipeline outcome",
		},
		[]string{"outcome"},
	)

	// TenantsInFlight is the number of tenants currently held by a worker.
	TenantsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "tenants_in_flight",
			Help:      "Number of tenants currently being processed",
		},
	)

	// TenantsPruned counts tenants removed after the expiry window.
	TenantsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "scheduler",
			Name:      "tenants_pruned_total",
			Help:      "Total number of expired tenants removed from the registry",
		},
	)
)
