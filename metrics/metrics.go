// Package metrics holds the coordinator's Prometheus collectors. Collectors
// register against the default registry; Handler exposes them for the
// /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_dispatches_total",
	Help: "counter of dispatch pipeline runs by outcome",
}, []string{"status"})

var DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "coordinator_dispatch_duration_seconds",
	Help:    "end-to-end duration of dispatch pipeline runs",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var DownstreamCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_downstream_calls_total",
	Help: "counter of downstream service calls by target and outcome",
}, []string{"service", "outcome"})

var DownstreamCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "coordinator_downstream_call_duration_seconds",
	Help:    "duration of downstream service calls by target",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"service"})

var ServicesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "coordinator_services_skipped_total",
	Help: "counter of picked services skipped as unresolvable",
})

var SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_searches_total",
	Help: "counter of candidate retrieval requests by outcome",
}, []string{"status"})

var ReranksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coordinator_reranks_total",
	Help: "counter of selection rounds by outcome",
}, []string{"status"})

// Outcome label values shared by the counters above.
const (
	StatusOK            = "ok"
	StatusBadRequest    = "bad_request"
	StatusUpstreamError = "upstream_error"
	OutcomeOK           = "ok"
	OutcomeError        = "error"
)

// Handler returns the Prometheus exposition handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
