// Package metrics holds the Prometheus collectors shared by the analytics
// pipeline, the query cache and the datastore queriers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_workflows_total",
			Help: "Total number of question workflows by terminal outcome",
		},
		[]string{"outcome"},
	)

	WorkflowsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_workflows_in_flight",
			Help: "Number of question workflows currently running",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_stage_duration_seconds",
			Help:    "Duration of workflow stages",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"stage", "status"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_cache_lookups_total",
			Help: "Total number of query cache lookups by outcome",
		},
		[]string{"cache", "outcome"},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_llm_requests_total",
			Help: "Total number of LLM completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_llm_request_duration_seconds",
			Help:    "Duration of LLM completion requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
		[]string{"provider", "model"},
	)

	DatastoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_datastore_queries_total",
			Help: "Total number of datastore queries by driver and result",
		},
		[]string{"driver", "status"},
	)

	DatastoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_datastore_query_duration_seconds",
			Help:    "Duration of datastore queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"driver"},
	)
)

// RecordDatastoreQuery records a datastore round trip. Status is "ok" or the
// failure kind.
func RecordDatastoreQuery(driver, status string, duration time.Duration) {
	DatastoreQueriesTotal.WithLabelValues(driver, status).Inc()
	DatastoreQueryDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// RecordLLMRequest records an LLM completion call.
func RecordLLMRequest(provider, model string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordStage records one workflow stage transition.
func RecordStage(stage string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	StageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}
