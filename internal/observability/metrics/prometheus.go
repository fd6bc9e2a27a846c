// Package metrics provides Prometheus metrics for the plan engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PlansCreated        prometheus.Counter
	PlansClaimed        prometheus.Counter
	PlansStarted        prometheus.Counter
	PlansCompleted      prometheus.Counter
	PlansExpired        prometheus.Counter
	ClaimConflicts      prometheus.Counter
	DoseToggles         *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	OutboxPending       prometheus.Gauge
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		PlansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plans_created_total",
			Help: "Total treatment plans created",
		}),
		PlansClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plans_claimed_total",
			Help: "Total treatment plans claimed by patients",
		}),
		PlansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plans_started_total",
			Help: "Total treatment plans started",
		}),
		PlansCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plans_completed_total",
			Help: "Total treatment plans completed",
		}),
		PlansExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plans_expired_total",
			Help: "Total treatment plans expired unclaimed",
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plan_claim_conflicts_total",
			Help: "Claim attempts rejected because another patient holds the plan",
		}),
		DoseToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_toggles_total",
			Help: "Taken-state toggles by direction",
		}, []string{"direction"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plan_request_duration_seconds",
			Help:    "Plan API request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total notifications delivered to the gateway",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total notification deliveries that failed permanently",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.PlansCreated,
		m.PlansClaimed,
		m.PlansStarted,
		m.PlansCompleted,
		m.PlansExpired,
		m.ClaimConflicts,
		m.DoseToggles,
		m.RequestDuration,
		m.OutboxPending,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
