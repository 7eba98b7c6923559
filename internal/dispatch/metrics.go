package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Pending evaluation tasks",
		},
	)

	tasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_enqueued_total",
			Help: "Evaluation tasks enqueued",
		},
	)

	tasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_dropped_total",
			Help: "Evaluation tasks shed by queue backpressure",
		},
		[]string{"trader_id"},
	)

	tasksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_skipped_total",
			Help: "Tasks skipped for insufficient market data",
		},
	)

	batchesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_batches_completed_total",
			Help: "Evaluation batches with a persisted history row",
		},
	)

	historyWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_history_write_errors_total",
			Help: "Execution history rows that failed to persist",
		},
	)
)
