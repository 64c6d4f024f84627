package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weblinq_pipeline_requests_total",
		Help: "Operation requests by kind and outcome.",
	}, []string{"operation", "outcome"})

	metricCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weblinq_pipeline_cache_hits_total",
		Help: "Artifact cache hits by operation.",
	}, []string{"operation"})

	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weblinq_pipeline_duration_seconds",
		Help:    "End-to-end operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
