package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	matchDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "matcher",
		Name:      "decisions_total",
		Help:      "Match decisions grouped by winning rule.",
	}, []string{"rule"})

	mergeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "merger",
		Name:      "merges_total",
		Help:      "Merge outcomes: created, updated, conflict_only, replay, noop.",
	}, []string{"outcome"})

	mergeConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "merger",
		Name:      "conflicts_total",
		Help:      "Retained conflicts recorded to the conflict log, by field.",
	}, []string{"field"})
)

func init() {
	prometheus.MustRegister(matchDecisions, mergeOutcomes, mergeConflicts)
}
