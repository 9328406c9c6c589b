package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWorkoutNotFound is returned when a workout cannot be located.
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrVersionConflict signals the optimistic-concurrency check failed: the
	// record changed since the caller read it. Callers re-run match and merge.
	ErrVersionConflict = errors.New("workout version conflict")
	// ErrWorkoutExists is returned when creating an identity that is already
	// canonical.
	ErrWorkoutExists = errors.New("workout already exists")
)

// ResolutionKeptExisting is the only conflict resolution the merger emits:
// disagreement never overwrites an equal-or-higher-precedence value.
const ResolutionKeptExisting = "kept_existing"

// ConflictLogEntry records a disagreement between sources that was retained
// rather than resolved. Entries are append-only audit data, not errors.
type ConflictLogEntry struct {
	WorkoutID       string
	AthleteID       string
	Field           string
	ExistingValue   float64
	ExistingSource  string
	CandidateValue  float64
	CandidateSource string
	Resolution      string
	RecordedAt      time.Time
}

// JobStatus tracks a sync job through its state machine.
type JobStatus string

const (
	JobStatusIdle           JobStatus = "idle"
	JobStatusFetching       JobStatus = "fetching"
	JobStatusMatching       JobStatus = "matching"
	JobStatusMerging        JobStatus = "merging"
	JobStatusCommitting     JobStatus = "committing"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusNeedsAttention JobStatus = "needs_attention"
)

// SyncCursor is the durable per-(athlete, source) sync position and job
// status. Position only advances past fully committed pages.
type SyncCursor struct {
	AthleteID string
	SourceID  string
	Position  string
	Status    JobStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// TimeRange bounds a query; zero endpoints are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// ListCursor models the pagination token for workout listings.
type ListCursor struct {
	StartTime time.Time
	ID        string
}

// WorkoutStore captures persistence for canonical workouts, the conflict
// log, and sync cursors. All mutation flows through Create/Update so
// provenance and conflict-log invariants stay centralized in the merger.
type WorkoutStore interface {
	Get(ctx context.Context, athleteID, workoutID string) (*Workout, error)
	// FindByExternalID resolves the O(1) exact-id fast path; nil when the
	// (source, native id) pair is unlinked.
	FindByExternalID(ctx context.Context, athleteID, sourceID, nativeID string) (*Workout, error)
	// FindInWindow returns the athlete's workouts with StartTime in [from, to].
	FindInWindow(ctx context.Context, athleteID string, from, to time.Time) ([]Workout, error)
	// Create persists a new canonical workout, its external-id links, and any
	// conflict entries in one transaction. Returns ErrWorkoutExists if the
	// identity is taken.
	Create(ctx context.Context, w Workout, conflicts []ConflictLogEntry) error
	// Update commits a merged workout if the stored version still equals
	// expectedVersion, bumping it by one; otherwise ErrVersionConflict.
	Update(ctx context.Context, w Workout, expectedVersion int64, conflicts []ConflictLogEntry) error
	List(ctx context.Context, athleteID string, rng TimeRange, cursor *ListCursor, limit int) ([]Workout, *ListCursor, error)
	ListConflicts(ctx context.Context, athleteID string, rng TimeRange) ([]ConflictLogEntry, error)
	GetSyncCursor(ctx context.Context, athleteID, sourceID string) (*SyncCursor, error)
	SaveSyncCursor(ctx context.Context, cursor SyncCursor) error
	ListSyncCursors(ctx context.Context, athleteID string) ([]SyncCursor, error)
	// RemoveSourceData unlinks a deleted source from every workout of the
	// athlete: external ids for the source are dropped, metrics whose
	// provenance points solely at it are pruned, and quality is recomputed.
	// Returns the number of workouts touched.
	RemoveSourceData(ctx context.Context, athleteID, sourceID string) (int, error)
}
