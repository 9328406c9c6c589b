// Package domain defines the canonical data model for cross-source workout
// reconciliation and the store contract everything else builds on.
package domain

import "time"

// Sport is the closed set of sport categories candidates are normalized into.
type Sport string

const (
	SportRun       Sport = "run"
	SportRide      Sport = "ride"
	SportSwim      Sport = "swim"
	SportWalk      Sport = "walk"
	SportHike      Sport = "hike"
	SportRow       Sport = "row"
	SportSki       Sport = "ski"
	SportStrength  Sport = "strength"
	SportTeamSport Sport = "team_sport"
	SportOther     Sport = "other"
)

// compatibleSports lists categories that providers frequently mislabel as each
// other. A fuzzy match is allowed between a sport and itself or a listed peer.
var compatibleSports = map[Sport][]Sport{
	SportRun:  {SportWalk},
	SportWalk: {SportRun, SportHike},
	SportHike: {SportWalk},
}

// Compatible reports whether two sport categories may describe the same event.
func (s Sport) Compatible(other Sport) bool {
	if s == other {
		return true
	}
	for _, peer := range compatibleSports[s] {
		if peer == other {
			return true
		}
	}
	return false
}

// Metric field names shared by all sources after adapter normalization.
const (
	MetricDistance          = "distance_m"
	MetricDuration          = "duration_s"
	MetricCalories          = "calories"
	MetricHeartRateAvg      = "heart_rate_avg"
	MetricHeartRateMax      = "heart_rate_max"
	MetricPowerAvg          = "power_avg"
	MetricCadenceAvg        = "cadence_avg"
	MetricElevationGain     = "elevation_gain_m"
	MetricTrainingLoad      = "training_load"
	MetricPerceivedExertion = "perceived_exertion"
)

// MetricValue is a single normalized measurement. The owning source for each
// field lives in Workout.Provenance, keeping one source of truth per field.
type MetricValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// GeoPoint is one coordinate of a recorded route.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Workout is the canonical record representing one real-world training
// session for an athlete, merged from every source that reported it.
type Workout struct {
	ID           string
	AthleteID    string
	StartTime    time.Time
	EndTime      time.Time
	Sport        Sport
	Metrics      map[string]MetricValue
	ExternalIDs  map[string]string // source_id -> source_native_id, append-only
	Provenance   map[string]string // metric field -> source_id that supplied it
	Route        []GeoPoint
	RouteSource  string
	QualityScore float64
	Version      int64
	LastMergedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Duration returns the elapsed time of the workout.
func (w *Workout) Duration() time.Duration {
	return w.EndTime.Sub(w.StartTime)
}

// HasRoute reports whether the workout carries GPS data.
func (w *Workout) HasRoute() bool {
	return len(w.Route) > 0
}

// LinkedTo reports whether the given source record is already merged into
// this workout. Re-syncs of linked records must be no-ops.
func (w *Workout) LinkedTo(sourceID, nativeID string) bool {
	return w.ExternalIDs[sourceID] == nativeID
}

// Clone returns a deep copy so stores can hand out records without aliasing.
func (w *Workout) Clone() Workout {
	out := *w
	out.Metrics = make(map[string]MetricValue, len(w.Metrics))
	for k, v := range w.Metrics {
		out.Metrics[k] = v
	}
	out.ExternalIDs = make(map[string]string, len(w.ExternalIDs))
	for k, v := range w.ExternalIDs {
		out.ExternalIDs[k] = v
	}
	out.Provenance = make(map[string]string, len(w.Provenance))
	for k, v := range w.Provenance {
		out.Provenance[k] = v
	}
	if w.Route != nil {
		out.Route = append([]GeoPoint(nil), w.Route...)
	}
	return out
}

// WorkoutCandidate is a source-normalized record awaiting matching and
// merging. Adapters own unit conversion and sport vocabulary normalization;
// source-specific extras ride along in Extensions and are never inspected by
// the matcher or merger.
type WorkoutCandidate struct {
	SourceID     string
	NativeID     string
	StartTime    time.Time
	EndTime      time.Time
	Sport        Sport
	Metrics      map[string]MetricValue
	TimezoneHint string
	Route        []GeoPoint
	Extensions   map[string]string
}

// Duration returns the elapsed time reported by the source.
func (c WorkoutCandidate) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// HasRoute reports whether the candidate carries GPS data.
func (c WorkoutCandidate) HasRoute() bool {
	return len(c.Route) > 0
}
