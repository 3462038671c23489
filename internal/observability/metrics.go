package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_jobs_processed_total",
		Help: "Jobs that reached a terminal outcome.",
	}, []string{"kind", "status"}) // status: completed, failed, expired

	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postpilot_jobs_retried_total",
		Help: "Job executions rescheduled after a failure.",
	})

	SafetyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_safety_denials_total",
		Help: "Actions blocked by the safety guard.",
	}, []string{"reason"})

	AccountPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postpilot_account_pauses_total",
		Help: "Accounts auto-paused by the safety guard.",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postpilot_job_duration_seconds",
		Help:    "Duration of job executions.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})

	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postpilot_running_jobs",
		Help: "Jobs currently executing (0 or 1 by design).",
	})
)
