// Package memory provides an in-memory WorkoutStore for local development
// and tests. It enforces the same optimistic-concurrency semantics as the
// Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

type externalKey struct {
	athleteID string
	sourceID  string
	nativeID  string
}

type cursorKey struct {
	athleteID string
	sourceID  string
}

// Store is a mutex-guarded in-memory implementation of domain.WorkoutStore.
type Store struct {
	mu        sync.RWMutex
	workouts  map[string]map[string]domain.Workout // athlete -> workout id -> workout
	external  map[externalKey]string               // (athlete, source, native) -> workout id
	conflicts map[string][]domain.ConflictLogEntry // athlete -> entries
	cursors   map[cursorKey]domain.SyncCursor
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		workouts:  make(map[string]map[string]domain.Workout),
		external:  make(map[externalKey]string),
		conflicts: make(map[string][]domain.ConflictLogEntry),
		cursors:   make(map[cursorKey]domain.SyncCursor),
	}
}

// Get implements domain.WorkoutStore.
func (s *Store) Get(ctx context.Context, athleteID, workoutID string) (*domain.Workout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workouts[athleteID][workoutID]
	if !ok {
		return nil, domain.ErrWorkoutNotFound
	}
	clone := w.Clone()
	return &clone, nil
}

// FindByExternalID implements domain.WorkoutStore.
func (s *Store) FindByExternalID(ctx context.Context, athleteID, sourceID, nativeID string) (*domain.Workout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.external[externalKey{athleteID, sourceID, nativeID}]
	if !ok {
		return nil, nil
	}
	w, ok := s.workouts[athleteID][id]
	if !ok {
		return nil, nil
	}
	clone := w.Clone()
	return &clone, nil
}

// FindInWindow implements domain.WorkoutStore.
func (s *Store) FindInWindow(ctx context.Context, athleteID string, from, to time.Time) ([]domain.Workout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Workout, 0)
	for _, w := range s.workouts[athleteID] {
		if w.StartTime.Before(from) || w.StartTime.After(to) {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// Create implements domain.WorkoutStore.
func (s *Store) Create(ctx context.Context, w domain.Workout, conflicts []domain.ConflictLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.workouts[w.AthleteID]
	if !ok {
		byID = make(map[string]domain.Workout)
		s.workouts[w.AthleteID] = byID
	}
	if _, exists := byID[w.ID]; exists {
		return domain.ErrWorkoutExists
	}

	stored := w.Clone()
	stored.Version = 1
	byID[w.ID] = stored
	s.link(stored)
	s.appendConflicts(w.AthleteID, conflicts)
	return nil
}

// Update implements domain.WorkoutStore.
func (s *Store) Update(ctx context.Context, w domain.Workout, expectedVersion int64, conflicts []domain.ConflictLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.workouts[w.AthleteID]
	if !ok {
		return domain.ErrWorkoutNotFound
	}
	current, ok := byID[w.ID]
	if !ok {
		return domain.ErrWorkoutNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	stored := w.Clone()
	stored.Version = expectedVersion + 1
	byID[w.ID] = stored
	s.link(stored)
	s.appendConflicts(w.AthleteID, conflicts)
	return nil
}

func (s *Store) link(w domain.Workout) {
	for sourceID, nativeID := range w.ExternalIDs {
		s.external[externalKey{w.AthleteID, sourceID, nativeID}] = w.ID
	}
}

func (s *Store) appendConflicts(athleteID string, conflicts []domain.ConflictLogEntry) {
	if len(conflicts) == 0 {
		return
	}
	s.conflicts[athleteID] = append(s.conflicts[athleteID], conflicts...)
}

// List implements domain.WorkoutStore with descending start-time pagination.
func (s *Store) List(ctx context.Context, athleteID string, rng domain.TimeRange, cursor *domain.ListCursor, limit int) ([]domain.Workout, *domain.ListCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Workout, 0)
	for _, w := range s.workouts[athleteID] {
		if !rng.Contains(w.StartTime) {
			continue
		}
		all = append(all, w.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartTime.After(all[j].StartTime)
	})

	out := make([]domain.Workout, 0, limit)
	for _, w := range all {
		if cursor != nil {
			after := w.StartTime.After(cursor.StartTime) ||
				(w.StartTime.Equal(cursor.StartTime) && w.ID >= cursor.ID)
			if after {
				continue
			}
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}

	var next *domain.ListCursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = &domain.ListCursor{StartTime: last.StartTime, ID: last.ID}
	}
	return out, next, nil
}

// ListConflicts implements domain.WorkoutStore.
func (s *Store) ListConflicts(ctx context.Context, athleteID string, rng domain.TimeRange) ([]domain.ConflictLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ConflictLogEntry, 0)
	for _, entry := range s.conflicts[athleteID] {
		if rng.Contains(entry.RecordedAt) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// GetSyncCursor implements domain.WorkoutStore.
func (s *Store) GetSyncCursor(ctx context.Context, athleteID, sourceID string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[cursorKey{athleteID, sourceID}]
	if !ok {
		return nil, nil
	}
	return &cursor, nil
}

// SaveSyncCursor implements domain.WorkoutStore.
func (s *Store) SaveSyncCursor(ctx context.Context, cursor domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor.UpdatedAt = time.Now().UTC()
	s.cursors[cursorKey{cursor.AthleteID, cursor.SourceID}] = cursor
	return nil
}

// ListSyncCursors implements domain.WorkoutStore.
func (s *Store) ListSyncCursors(ctx context.Context, athleteID string) ([]domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SyncCursor, 0)
	for key, cursor := range s.cursors {
		if key.athleteID == athleteID {
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// RemoveSourceData implements domain.WorkoutStore.
func (s *Store) RemoveSourceData(ctx context.Context, athleteID, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for id, w := range s.workouts[athleteID] {
		nativeID, linked := w.ExternalIDs[sourceID]
		if !linked {
			continue
		}

		pruned := w.Clone()
		delete(pruned.ExternalIDs, sourceID)
		delete(s.external, externalKey{athleteID, sourceID, nativeID})
		for field, owner := range pruned.Provenance {
			if owner == sourceID {
				delete(pruned.Provenance, field)
				delete(pruned.Metrics, field)
			}
		}
		if pruned.RouteSource == sourceID {
			pruned.Route = nil
			pruned.RouteSource = ""
		}
		// Source deletion is the one path allowed to lower the score.
		pruned.QualityScore = domain.ComputeQuality(&pruned)
		pruned.Version = w.Version + 1
		pruned.UpdatedAt = time.Now().UTC()
		s.workouts[athleteID][id] = pruned
		touched++
	}
	// The disconnected source's sync position goes with its data.
	delete(s.cursors, cursorKey{athleteID, sourceID})
	return touched, nil
}
