package syncjob

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "jobs_completed_total",
		Help:      "Sync jobs that reached the completed state.",
	})
	jobsParked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "jobs_parked_total",
		Help:      "Sync jobs parked in needs_attention after exhausting retries.",
	})
	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of completed sync jobs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	pagesCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "pages_committed_total",
		Help:      "Candidate pages fully merged and cursor-advanced.",
	})
	candidatesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "candidates_processed_total",
		Help:      "Candidates processed, labelled by match rule.",
	}, []string{"rule"})
	versionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "syncjob",
		Name:      "version_conflicts_total",
		Help:      "Optimistic-concurrency conflicts that forced a re-match.",
	})
)

func init() {
	prometheus.MustRegister(
		jobsCompleted,
		jobsParked,
		jobDuration,
		pagesCommitted,
		candidatesProcessed,
		versionConflicts,
	)
}
