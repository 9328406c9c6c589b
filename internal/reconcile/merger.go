package reconcile

import (
	"sort"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

// Merger combines a matched candidate into its canonical workout, or
// materializes a new one, under source precedence and per-field tolerances.
// Merge is a pure function of its inputs; commits happen in the store.
type Merger struct {
	precedence domain.SourcePrecedenceTable
	tolerances domain.ToleranceTable
	now        func() time.Time
}

// MergerOption configures optional behaviour for the Merger.
type MergerOption func(*Merger)

// WithClock overrides the time source, used by tests for stable timestamps.
func WithClock(now func() time.Time) MergerOption {
	return func(m *Merger) {
		m.now = now
	}
}

// NewMerger constructs a Merger with the given precedence and tolerance
// tables.
func NewMerger(precedence domain.SourcePrecedenceTable, tolerances domain.ToleranceTable, opts ...MergerOption) *Merger {
	m := &Merger{
		precedence: precedence,
		tolerances: tolerances,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge folds the candidate into existing, or creates a new canonical record
// when existing is nil. It returns the merged workout, conflict entries for
// disagreements that were retained, and whether the stored state changed.
// Re-merging an already-linked candidate changes nothing, which keeps
// re-syncs idempotent.
func (m *Merger) Merge(athleteID string, existing *domain.Workout, candidate domain.WorkoutCandidate) (domain.Workout, []domain.ConflictLogEntry, bool) {
	if existing == nil {
		w := m.materialize(athleteID, candidate)
		mergeOutcomes.WithLabelValues("created").Inc()
		return w, nil, true
	}

	merged := existing.Clone()
	if merged.LinkedTo(candidate.SourceID, candidate.NativeID) {
		mergeOutcomes.WithLabelValues("replay").Inc()
		return merged, nil, false
	}

	now := m.now()
	changed := false
	var conflicts []domain.ConflictLogEntry

	for _, field := range sortedFields(candidate.Metrics) {
		cv := candidate.Metrics[field]
		ev, present := merged.Metrics[field]
		owner := merged.Provenance[field]

		switch {
		case !present:
			merged.Metrics[field] = cv
			merged.Provenance[field] = candidate.SourceID
			changed = true
		case m.precedence.Outranks(candidate.SourceID, owner):
			if ev != cv || owner != candidate.SourceID {
				merged.Metrics[field] = cv
				merged.Provenance[field] = candidate.SourceID
				changed = true
			}
		case !m.tolerances.Within(field, ev.Value, cv.Value):
			conflicts = append(conflicts, domain.ConflictLogEntry{
				WorkoutID:       merged.ID,
				AthleteID:       athleteID,
				Field:           field,
				ExistingValue:   ev.Value,
				ExistingSource:  owner,
				CandidateValue:  cv.Value,
				CandidateSource: candidate.SourceID,
				Resolution:      domain.ResolutionKeptExisting,
				RecordedAt:      now,
			})
			mergeConflicts.WithLabelValues(field).Inc()
		}
	}

	if _, linked := merged.ExternalIDs[candidate.SourceID]; !linked {
		merged.ExternalIDs[candidate.SourceID] = candidate.NativeID
		changed = true
	}

	if candidate.HasRoute() {
		if !merged.HasRoute() || m.precedence.Outranks(candidate.SourceID, merged.RouteSource) {
			merged.Route = append([]domain.GeoPoint(nil), candidate.Route...)
			merged.RouteSource = candidate.SourceID
			changed = true
		}
	}

	if score := domain.ComputeQuality(&merged); score > merged.QualityScore {
		merged.QualityScore = score
	}

	if changed {
		merged.LastMergedAt = now
		merged.UpdatedAt = now
		mergeOutcomes.WithLabelValues("updated").Inc()
	} else if len(conflicts) > 0 {
		mergeOutcomes.WithLabelValues("conflict_only").Inc()
	} else {
		mergeOutcomes.WithLabelValues("noop").Inc()
	}

	return merged, conflicts, changed || len(conflicts) > 0
}

// materialize creates a canonical workout directly from the candidate; every
// populated field's provenance is the candidate's source.
func (m *Merger) materialize(athleteID string, candidate domain.WorkoutCandidate) domain.Workout {
	now := m.now()
	w := domain.Workout{
		ID:           domain.WorkoutID(athleteID, candidate.StartTime, candidate.Sport, candidate.Duration()),
		AthleteID:    athleteID,
		StartTime:    candidate.StartTime.UTC(),
		EndTime:      candidate.EndTime.UTC(),
		Sport:        candidate.Sport,
		Metrics:      make(map[string]domain.MetricValue, len(candidate.Metrics)),
		ExternalIDs:  map[string]string{candidate.SourceID: candidate.NativeID},
		Provenance:   make(map[string]string, len(candidate.Metrics)),
		Version:      1,
		LastMergedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for field, value := range candidate.Metrics {
		w.Metrics[field] = value
		w.Provenance[field] = candidate.SourceID
	}
	if candidate.HasRoute() {
		w.Route = append([]domain.GeoPoint(nil), candidate.Route...)
		w.RouteSource = candidate.SourceID
	}
	w.QualityScore = domain.ComputeQuality(&w)
	return w
}

// sortedFields keeps per-field processing and conflict ordering
// deterministic across runs.
func sortedFields(metrics map[string]domain.MetricValue) []string {
	fields := make([]string, 0, len(metrics))
	for field := range metrics {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
