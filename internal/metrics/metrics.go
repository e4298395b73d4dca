package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_jobs_submitted_total",
		Help: "Total number of jobs submitted, by category and outcome",
	}, []string{"category", "outcome"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	}, []string{"category"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_jobs_failed_total",
		Help: "Total number of jobs that ended failed, by failure kind",
	}, []string{"category", "kind"})

	JobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_jobs_retried_total",
		Help: "Total number of retries scheduled",
	}, []string{"category"})

	JobsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_jobs_dropped_total",
		Help: "Total number of queue entries acknowledged without processing",
	}, []string{"queue", "reason"})

	QueueEntriesArchivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_queue_entries_archived_total",
		Help: "Total number of entries the transport gave up redelivering",
	}, []string{"queue"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelhive_job_processing_duration_seconds",
		Help:    "Time taken by one handler attempt in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})

	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pixelhive_active_workers",
		Help: "Current number of worker goroutines per queue",
	}, []string{"queue"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelhive_notifications_total",
		Help: "Total number of owner notifications, by outcome",
	}, []string{"outcome"})
)
