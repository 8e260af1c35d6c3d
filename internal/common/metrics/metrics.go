// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_transitions_total",
			Help: "Application lifecycle operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	QueueTransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_transition_duration_seconds",
			Help:    "Duration of lifecycle operations including the listing transaction",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	QueueRejectedByCascade = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_cascade_rejections_total",
			Help: "Pending applications rejected because a sibling was accepted",
		},
	)

	QueuePositionsRewritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_positions_rewritten_total",
			Help: "Rows whose position changed during compaction",
		},
	)

	QueueTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_tx_retries_total",
			Help: "Listing transactions replayed after a serialization or deadlock failure",
		},
	)

	ChatRoomDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_chat_room_degraded_total",
			Help: "Acceptances committed without a chat room",
		},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Outbox notifications processed by final status",
		},
		[]string{"type", "status"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		},
		[]string{"route"},
	)
)
