package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weblinq_pool_acquires_total",
		Help: "Pool acquisitions by path (idle, created, queued).",
	}, []string{"path"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weblinq_pool_queue_depth",
		Help: "Current number of requests waiting for a worker.",
	})

	metricQueueTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weblinq_pool_queue_timeouts_total",
		Help: "Waiters dropped on queue deadline.",
	})

	metricRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weblinq_pool_recoveries_total",
		Help: "Workers successfully recovered from error state.",
	})

	metricWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weblinq_pool_workers",
		Help: "Workers by status.",
	}, []string{"status"})
)
