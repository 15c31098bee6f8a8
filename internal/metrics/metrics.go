// Package metrics declares the prometheus collectors shared by the proxy
// components. Everything registers on the default registry and is exposed by
// the metrics listener in cmd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied requests by route host and response code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied requests by route host and status code.",
	}, []string{"host", "code"})

	// RequestDuration observes end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portico",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host"})

	// DispatchRetries counts same-request failovers to another upstream.
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "proxy",
		Name:      "dispatch_retries_total",
		Help:      "Same-request failovers after an upstream dispatch failure.",
	})

	// RouteTableVersion is the version of the currently published table.
	RouteTableVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portico",
		Subsystem: "routetable",
		Name:      "version",
		Help:      "Version of the currently published route table.",
	})

	// RouteTableRoutes is the number of routes in the current table.
	RouteTableRoutes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portico",
		Subsystem: "routetable",
		Name:      "routes",
		Help:      "Number of routes in the currently published table.",
	})

	// RouteValidationFailures counts routes dropped during submission.
	RouteValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "routetable",
		Name:      "validation_failures_total",
		Help:      "Routes dropped because they failed table invariants.",
	})

	// UpstreamHealthy tracks per-upstream liveness (1 healthy, 0 otherwise).
	UpstreamHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portico",
		Subsystem: "health",
		Name:      "upstream_healthy",
		Help:      "Upstream liveness as seen by the active health checker.",
	}, []string{"upstream"})

	// HealthTransitions counts liveness flips by direction.
	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "health",
		Name:      "transitions_total",
		Help:      "Health state transitions by direction.",
	}, []string{"to"})

	// CertIssuance counts certificate issuance outcomes by result.
	CertIssuance = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "cert",
		Name:      "issuance_total",
		Help:      "Certificate issuance attempts by outcome.",
	}, []string{"result"})

	// CertSelfSigned counts self-signed fallback certificates synthesized.
	CertSelfSigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "cert",
		Name:      "self_signed_total",
		Help:      "Self-signed fallback certificates synthesized.",
	})

	// StoreFailures counts durable store operations that fell back to
	// memory-only behavior.
	StoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portico",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Durable store operations that failed and were degraded.",
	})
)
