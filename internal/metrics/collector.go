// Package metrics exposes the kernel's Prometheus instrumentation:
// request outcomes, cache hit rate, rate-limit rejections, circuit
// breaker trips, and ensemble strategy outcomes. It is internal
// because the actual metrics HTTP endpoint and scrape wiring belong
// to the out-of-scope transport/ops layer (spec §1); this package only
// owns the collector, adapted from internal/metrics/collector.go's
// promauto-based counter/histogram registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and exposes every counter/histogram the kernel
// emits. A nil *Collector is valid everywhere it's consulted: every
// Observe* method is a nil-receiver no-op so callers never need to
// branch on whether metrics are enabled.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	rateLimitRejections *prometheus.CounterVec

	breakerTrips *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	ensembleOutcomes *prometheus.CounterVec
	hedgeFanoutDepth prometheus.Histogram
}

// NewCollector registers the kernel's metric family under namespace
// (e.g. "llmpool") against the default Prometheus registry.
func NewCollector(namespace string) *Collector {
	return &Collector{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of orchestrator requests by tenant, task, strategy and outcome status.",
		}, []string{"tenant", "task", "strategy", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end orchestrator request duration.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"task", "status"}),

		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fingerprint cache hits.",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Fingerprint cache misses.",
		}),

		rateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-tenant rate limiter.",
		}, []string{"tenant"}),

		breakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker Closed/HalfOpen -> Open transitions.",
		}, []string{"provider"}),
		breakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state per provider: 0=Closed, 1=HalfOpen, 2=Open.",
		}, []string{"provider"}),

		ensembleOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ensemble_outcomes_total",
			Help:      "Ensemble strategy executions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		hedgeFanoutDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hedge_fanout_depth",
			Help:      "Number of candidates launched by a single hedge race before a winner or exhaustion.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
	}
}

// ObserveRequest records one completed Orchestrator.Infer call.
func (c *Collector) ObserveRequest(tenant, task, strategy string, durationSeconds float64, status string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(tenant, task, strategy, status).Inc()
	c.requestDuration.WithLabelValues(task, status).Observe(durationSeconds)
}

// ObserveCache records a cache lookup outcome.
func (c *Collector) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// ObserveRateLimitRejection records a tenant hitting its quota.
func (c *Collector) ObserveRateLimitRejection(tenant string) {
	if c == nil {
		return
	}
	c.rateLimitRejections.WithLabelValues(tenant).Inc()
}

// ObserveBreakerTrip records a breaker transitioning into Open.
func (c *Collector) ObserveBreakerTrip(provider string) {
	if c == nil {
		return
	}
	c.breakerTrips.WithLabelValues(provider).Inc()
}

// SetBreakerState publishes a provider's current breaker state as a
// gauge (0=Closed, 1=HalfOpen, 2=Open) for dashboards.
func (c *Collector) SetBreakerState(provider string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(provider).Set(float64(state))
}

// ObserveEnsembleOutcome records one strategy execution's terminal
// outcome, e.g. "winner" or "ensemble_error".
func (c *Collector) ObserveEnsembleOutcome(strategy, outcome string) {
	if c == nil {
		return
	}
	c.ensembleOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// ObserveHedgeFanoutDepth records how many candidates a single hedge
// race launched before resolving.
func (c *Collector) ObserveHedgeFanoutDepth(n int) {
	if c == nil {
		return
	}
	c.hedgeFanoutDepth.Observe(float64(n))
}
