// Package metrics exposes the control plane's Prometheus counters and
// gauges: breaker state transitions, job outcomes, and queue depth. This is
// deliberately just the raw client_golang registry, not a full OpenTelemetry
// pipeline — the pack's only instrumented repo (kadirpekel-hector) also
// layers otel tracing on top, but nothing in this control plane needs
// distributed tracing yet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts completed job attempts by terminal status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_plane_jobs_total",
		Help: "Total job attempts by terminal status.",
	}, []string{"status"})

	// JobDuration observes wall-clock time from job creation to terminal status.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortex_plane_job_duration_seconds",
		Help:    "Job duration from creation to terminal status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// QueueDepth is the number of jobs currently claimable (SCHEDULED or
	// RETRYING with run_at in the past).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_plane_queue_depth",
		Help: "Number of jobs currently eligible for claim.",
	})

	// BreakerState is 0=CLOSED, 1=OPEN, 2=HALF_OPEN per provider.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cortex_plane_breaker_state",
		Help: "Circuit breaker state per provider (0=CLOSED, 1=OPEN, 2=HALF_OPEN).",
	}, []string{"provider"})

	// RouteEventsTotal counts router observer events (route_skipped,
	// route_exhausted, route_failover) by provider.
	RouteEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_plane_route_events_total",
		Help: "Router observer events by name and provider.",
	}, []string{"event", "provider"})

	// ApprovalsPending tracks the number of approval requests awaiting
	// a decision.
	ApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_plane_approvals_pending",
		Help: "Number of approval requests currently PENDING.",
	})
)

// BreakerStateValue maps a models.BreakerState string to the numeric gauge
// value Prometheus expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
