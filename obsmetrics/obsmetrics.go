// Package obsmetrics holds the conductor's own self-metrics, exposed on
// its /metrics endpoint via promhttp.Handler(). Grounded on the llm-d
// example's pkg/kvcache/metrics/collector.go shape (a package of
// prometheus.Collector vars plus helpers to observe them), adapted from
// that repo's controller-runtime metrics.Registry (not a dependency here)
// to promauto's registration against prometheus.DefaultRegisterer, which
// is the idiomatic Go rendition for a plain net/http service rather than a
// Kubernetes controller.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completion requests by terminal outcome ("ok"
	// or "error").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "requests_total",
		Help:      "Total completion requests handled, by outcome.",
	}, []string{"outcome"})

	// PrefillPlanTotal counts how often the prefill planner produced a
	// cache hit versus a miss.
	PrefillPlanTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "prefill_plan_total",
		Help:      "Prefill planner decisions, by whether a cache hit was found.",
	}, []string{"result"})

	// PoolPriority is the per-worker scheduler priority gauge, written
	// through SetPoolPriority. No package in this module calls
	// SetPoolPriority, so the gauge has no series unless a caller sets them.
	PoolPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "pool_worker_priority",
		Help:      "Current scheduler priority for a worker.",
	}, []string{"pool", "worker"})

	// WorkerHealthy exposes 1/0 for each worker's current availability,
	// set by the health prober.
	WorkerHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "worker_healthy",
		Help:      "1 if the worker is currently available for selection, 0 otherwise.",
	}, []string{"pool", "worker"})
)

// ObserveRequest records one completed request's terminal outcome.
func ObserveRequest(outcome string) {
	RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObservePrefillPlan records one prefill planner decision.
func ObservePrefillPlan(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	PrefillPlanTotal.WithLabelValues(result).Inc()
}

// SetWorkerHealthy records a worker's current health-probe outcome.
func SetWorkerHealthy(pool, worker string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	WorkerHealthy.WithLabelValues(pool, worker).Set(v)
}

// SetPoolPriority records a worker's current scheduler priority.
func SetPoolPriority(pool, worker string, priority float64) {
	PoolPriority.WithLabelValues(pool, worker).Set(priority)
}
