// Package metrics defines the Prometheus instruments exported at /metrics.
// Metric names are part of the operational contract and never renamed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExchangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_exchanges_total",
		Help: "Total verified exchanges.",
	})
	DeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_denied_total",
		Help: "Denied exchanges by reason code.",
	}, []string{"reason"})
	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_forward_total",
		Help: "Forwarded exchanges by receiver host.",
	}, []string{"host"})
	IdempotentHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_idempotent_hits_total",
		Help: "Idempotency cache replays.",
	})
	RepairAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_repair_attempts_total",
		Help: "Heuristic repair attempts.",
	})
	RepairSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_repair_success_total",
		Help: "Heuristic repair successes.",
	})
	FallbackUsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_fallback_used_total",
		Help: "Exchanges repaired by the fallback provider.",
	})
	SemanticViolationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_semantic_violation_total",
		Help: "Fallback repairs rejected by semantic invariants.",
	})
	VExUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_vex_units_total",
		Help: "Verified exchange units metered.",
	})
	FUTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signet_fu_tokens_total",
		Help: "Fallback tokens metered.",
	})
	BillingEnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_billing_enqueue_total",
		Help: "Billing events enqueued by metric type.",
	}, []string{"type"})
	ExchangeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signet_exchange_latency_seconds",
		Help:    "End-to-end exchange latency.",
		Buckets: prometheus.DefBuckets,
	})
	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signet_exchange_phase_latency_seconds",
		Help:    "Per-phase exchange latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})
	ReservedVExCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signet_reserved_vex_capacity",
		Help: "Reserved monthly VEx capacity per tenant.",
	}, []string{"tenant"})
	ReservedFUCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signet_reserved_fu_capacity",
		Help: "Reserved monthly FU capacity per tenant.",
	}, []string{"tenant"})
)

// Handler serves the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
