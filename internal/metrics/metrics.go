// Package metrics provides Prometheus metrics for spotproxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	UpstreamRequestsTotal *prometheus.CounterVec
	CacheLookupsTotal     *prometheus.CounterVec
	TokenAcquisitions     *prometheus.CounterVec
	TokensActive          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotproxy_requests_total",
				Help: "Total number of inbound requests by route and status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spotproxy_request_duration_seconds",
				Help:    "Inbound request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotproxy_upstream_requests_total",
				Help: "Total upstream API calls by outcome.",
			},
			[]string{"outcome"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotproxy_cache_lookups_total",
				Help: "Total cache lookups by result (hit, miss, error).",
			},
			[]string{"result"},
		),
		TokenAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotproxy_token_acquisitions_total",
				Help: "Token acquisition attempts by strategy and result.",
			},
			[]string{"strategy", "result"},
		),
		TokensActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spotproxy_tokens_active",
				Help: "Number of valid tokens in the pool.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.UpstreamRequestsTotal)
	reg.MustRegister(m.CacheLookupsTotal)
	reg.MustRegister(m.TokenAcquisitions)
	reg.MustRegister(m.TokensActive)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the inbound request counter.
func (m *Metrics) RecordRequest(route, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// ObserveDuration records inbound request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordUpstream counts an upstream call; outcome is "ok" or an error kind.
func (m *Metrics) RecordUpstream(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts a cache lookup result.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordAcquisition counts one strategy attempt.
func (m *Metrics) RecordAcquisition(strategy, result string) {
	if m == nil {
		return
	}
	m.TokenAcquisitions.WithLabelValues(strategy, result).Inc()
}

// SetTokensActive sets the valid token count.
func (m *Metrics) SetTokensActive(count float64) {
	if m == nil {
		return
	}
	m.TokensActive.Set(count)
}
