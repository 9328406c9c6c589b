// Package events defines the payloads published when canonical workouts
// change.
package events

import "time"

// WorkoutMerged is emitted whenever a candidate commits into the canonical
// store, whether it created the workout or updated it.
type WorkoutMerged struct {
	WorkoutID    string    `json:"workout_id"`
	AthleteID    string    `json:"athlete_id"`
	Sport        string    `json:"sport"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Version      int64     `json:"version"`
	QualityScore float64   `json:"quality_score"`
	Created      bool      `json:"created"`
	MergedAt     time.Time `json:"merged_at"`
}

// ConflictRecorded is emitted once per conflict log entry so downstream
// consumers can surface disagreements without polling the conflict log.
type ConflictRecorded struct {
	WorkoutID       string    `json:"workout_id"`
	AthleteID       string    `json:"athlete_id"`
	Field           string    `json:"field"`
	ExistingValue   float64   `json:"existing_value"`
	ExistingSource  string    `json:"existing_source"`
	CandidateValue  float64   `json:"candidate_value"`
	CandidateSource string    `json:"candidate_source"`
	Resolution      string    `json:"resolution"`
	OccurredAt      time.Time `json:"occurred_at"`
}
