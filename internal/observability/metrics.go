// Package observability holds cross-cutting freshness gauges shared by the
// reconciler and the API process.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lastSyncCompleted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_last_sync_completed_timestamp_seconds",
		Help: "Unix time of the most recently completed sync job.",
	})
	lastWorkoutMerged = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_last_workout_merged_timestamp_seconds",
		Help: "Unix time of the most recent canonical workout commit.",
	})
)

func init() {
	prometheus.MustRegister(lastSyncCompleted, lastWorkoutMerged)
}

// RecordSyncCompleted moves the sync freshness watermark forward.
func RecordSyncCompleted(at time.Time) {
	lastSyncCompleted.Set(float64(at.Unix()))
}

// RecordWorkoutMerged moves the merge freshness watermark forward.
func RecordWorkoutMerged(at time.Time) {
	lastWorkoutMerged.Set(float64(at.Unix()))
}
