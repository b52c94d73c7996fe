// Package metrics provides Prometheus instrumentation for the flaggate
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flaggate metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flaggate server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	ResultCacheHits     prometheus.Counter
	ResultCacheMisses   prometheus.Counter
	DefinitionReloads   prometheus.Counter
	CacheInvalidations  prometheus.Counter
	AuditDroppedTotal   prometheus.Counter
}

// New creates and registers all flaggate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		ResultCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_result_cache_hits_total",
			Help: "Total number of evaluation result cache hits.",
		}),

		ResultCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_result_cache_misses_total",
			Help: "Total number of evaluation result cache misses.",
		}),

		DefinitionReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_definition_reloads_total",
			Help: "Total number of full definition reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		AuditDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_audit_dropped_total",
			Help: "Total number of evaluation audit events dropped under backpressure.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.ResultCacheHits,
		m.ResultCacheMisses,
		m.DefinitionReloads,
		m.CacheInvalidations,
		m.AuditDroppedTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// IncResultCacheHit increments the result cache hit counter.
func (m *Metrics) IncResultCacheHit() {
	m.ResultCacheHits.Inc()
}

// IncResultCacheMiss increments the result cache miss counter.
func (m *Metrics) IncResultCacheMiss() {
	m.ResultCacheMisses.Inc()
}

// IncDefinitionReloads increments the definition reload counter.
func (m *Metrics) IncDefinitionReloads() {
	m.DefinitionReloads.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuditDropped increments the dropped audit event counter.
func (m *Metrics) IncAuditDropped() {
	m.AuditDroppedTotal.Inc()
}
