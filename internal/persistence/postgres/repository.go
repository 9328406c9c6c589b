// Package postgres provides the canonical workout store backed by Postgres,
// with outbox rows written in the same transaction as every commit.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/events"
)

// external_ids lives both here (authoritative copy read with the row) and in
// workout_external_ids (the lookup index for FindByExternalID).
const workoutColumns = `workout_id, athlete_id, start_time, end_time, sport, metrics, provenance, external_ids, route, route_source, quality_score, version, last_merged_at, created_at, updated_at`

// Repository is the Postgres-backed domain.WorkoutStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get implements domain.WorkoutStore.
func (r *Repository) Get(ctx context.Context, athleteID, workoutID string) (*domain.Workout, error) {
	const query = `SELECT ` + workoutColumns + ` FROM canonical_workouts WHERE athlete_id=$1 AND workout_id=$2`

	row := r.pool.QueryRow(ctx, query, athleteID, workoutID)
	w, err := scanWorkout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkoutNotFound
		}
		return nil, err
	}
	return w, nil
}

// FindByExternalID implements domain.WorkoutStore.
func (r *Repository) FindByExternalID(ctx context.Context, athleteID, sourceID, nativeID string) (*domain.Workout, error) {
	const query = `SELECT ` + workoutColumns + ` FROM canonical_workouts w
        JOIN workout_external_ids x ON x.athlete_id = w.athlete_id AND x.workout_id = w.workout_id
        WHERE x.athlete_id=$1 AND x.source_id=$2 AND x.native_id=$3`

	row := r.pool.QueryRow(ctx, query, athleteID, sourceID, nativeID)
	w, err := scanWorkout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// FindInWindow implements domain.WorkoutStore. Overlap is on start time only;
// the matcher applies its own duration logic.
func (r *Repository) FindInWindow(ctx context.Context, athleteID string, from, to time.Time) ([]domain.Workout, error) {
	const query = `SELECT ` + workoutColumns + ` FROM canonical_workouts
        WHERE athlete_id=$1 AND start_time >= $2 AND start_time <= $3
        ORDER BY start_time, workout_id`

	rows, err := r.pool.Query(ctx, query, athleteID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Create implements domain.WorkoutStore: the workout row, its external-id
// links, conflict entries, and outbox events commit atomically.
func (r *Repository) Create(ctx context.Context, w domain.Workout, conflicts []domain.ConflictLogEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO canonical_workouts (` + workoutColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (athlete_id, workout_id) DO NOTHING`

	metrics, provenance, externalIDs, route, err := encodeJSONColumns(w)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, stmt,
		w.ID, w.AthleteID, w.StartTime, w.EndTime, string(w.Sport),
		metrics, provenance, externalIDs, route, nullIfEmpty(w.RouteSource),
		w.QualityScore, w.Version, w.LastMergedAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrWorkoutExists
		return err
	}

	if err = upsertExternalIDs(ctx, tx, w); err != nil {
		return err
	}
	if err = insertConflicts(ctx, tx, conflicts); err != nil {
		return err
	}
	if err = r.insertMergeEvents(ctx, tx, w, conflicts, true); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Update implements domain.WorkoutStore. The version predicate is the
// optimistic-concurrency check; zero rows affected means another writer won.
func (r *Repository) Update(ctx context.Context, w domain.Workout, expectedVersion int64, conflicts []domain.ConflictLogEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE canonical_workouts SET
            start_time=$3, end_time=$4, sport=$5, metrics=$6, provenance=$7,
            external_ids=$8, route=$9, route_source=$10, quality_score=$11,
            version=$12, last_merged_at=$13, updated_at=$14
        WHERE athlete_id=$1 AND workout_id=$2 AND version=$15`

	metrics, provenance, externalIDs, route, encErr := encodeJSONColumns(w)
	if encErr != nil {
		err = encErr
		return err
	}

	w.Version = expectedVersion + 1
	tag, err := tx.Exec(ctx, stmt,
		w.AthleteID, w.ID, w.StartTime, w.EndTime, string(w.Sport),
		metrics, provenance, externalIDs, route, nullIfEmpty(w.RouteSource),
		w.QualityScore, w.Version, w.LastMergedAt, w.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrVersionConflict
		return err
	}

	if err = upsertExternalIDs(ctx, tx, w); err != nil {
		return err
	}
	if err = insertConflicts(ctx, tx, conflicts); err != nil {
		return err
	}
	if err = r.insertMergeEvents(ctx, tx, w, conflicts, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List implements domain.WorkoutStore with keyset pagination, newest first.
func (r *Repository) List(ctx context.Context, athleteID string, rng domain.TimeRange, cursor *domain.ListCursor, limit int) ([]domain.Workout, *domain.ListCursor, error) {
	query := `SELECT ` + workoutColumns + ` FROM canonical_workouts WHERE athlete_id=$1`
	args := []interface{}{athleteID, limit}

	if !rng.From.IsZero() {
		args = append(args, rng.From)
		query += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if !rng.To.IsZero() {
		args = append(args, rng.To)
		query += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.StartTime, cursor.ID)
		query += fmt.Sprintf(" AND (start_time, workout_id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += ` ORDER BY start_time DESC, workout_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Workout, 0, limit)
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.ListCursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.ListCursor{StartTime: last.StartTime, ID: last.ID}
	}
	return results, next, nil
}

// ListConflicts implements domain.WorkoutStore.
func (r *Repository) ListConflicts(ctx context.Context, athleteID string, rng domain.TimeRange) ([]domain.ConflictLogEntry, error) {
	query := `SELECT workout_id, athlete_id, field, existing_value, existing_source, candidate_value, candidate_source, resolution, recorded_at
        FROM conflict_log WHERE athlete_id=$1`
	args := []interface{}{athleteID}

	if !rng.From.IsZero() {
		args = append(args, rng.From)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !rng.To.IsZero() {
		args = append(args, rng.To)
		query += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}
	query += ` ORDER BY recorded_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConflictLogEntry
	for rows.Next() {
		var e domain.ConflictLogEntry
		if err := rows.Scan(&e.WorkoutID, &e.AthleteID, &e.Field, &e.ExistingValue, &e.ExistingSource, &e.CandidateValue, &e.CandidateSource, &e.Resolution, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSyncCursor implements domain.WorkoutStore.
func (r *Repository) GetSyncCursor(ctx context.Context, athleteID, sourceID string) (*domain.SyncCursor, error) {
	const query = `SELECT athlete_id, source_id, position, status, attempts, last_error, updated_at
        FROM sync_cursors WHERE athlete_id=$1 AND source_id=$2`

	var c domain.SyncCursor
	err := r.pool.QueryRow(ctx, query, athleteID, sourceID).
		Scan(&c.AthleteID, &c.SourceID, &c.Position, &c.Status, &c.Attempts, &c.LastError, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveSyncCursor implements domain.WorkoutStore.
func (r *Repository) SaveSyncCursor(ctx context.Context, cursor domain.SyncCursor) error {
	const stmt = `INSERT INTO sync_cursors (athlete_id, source_id, position, status, attempts, last_error, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,now())
        ON CONFLICT (athlete_id, source_id) DO UPDATE SET
            position=EXCLUDED.position, status=EXCLUDED.status,
            attempts=EXCLUDED.attempts, last_error=EXCLUDED.last_error,
            updated_at=now()`

	_, err := r.pool.Exec(ctx, stmt,
		cursor.AthleteID, cursor.SourceID, cursor.Position,
		string(cursor.Status), cursor.Attempts, cursor.LastError,
	)
	return err
}

// ListSyncCursors implements domain.WorkoutStore.
func (r *Repository) ListSyncCursors(ctx context.Context, athleteID string) ([]domain.SyncCursor, error) {
	const query = `SELECT athlete_id, source_id, position, status, attempts, last_error, updated_at
        FROM sync_cursors WHERE athlete_id=$1 ORDER BY source_id`

	rows, err := r.pool.Query(ctx, query, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SyncCursor
	for rows.Next() {
		var c domain.SyncCursor
		if err := rows.Scan(&c.AthleteID, &c.SourceID, &c.Position, &c.Status, &c.Attempts, &c.LastError, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveSourceData implements domain.WorkoutStore. Each affected workout is
// locked, pruned of the source's link, solely-owned fields, and route, then
// rewritten with a bumped version.
func (r *Repository) RemoveSourceData(ctx context.Context, athleteID, sourceID string) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const lockQuery = `SELECT ` + workoutColumns + ` FROM canonical_workouts w
        WHERE athlete_id=$1 AND EXISTS (
            SELECT 1 FROM workout_external_ids x
            WHERE x.athlete_id = w.athlete_id AND x.workout_id = w.workout_id AND x.source_id=$2)
        FOR UPDATE`

	rows, err := tx.Query(ctx, lockQuery, athleteID, sourceID)
	if err != nil {
		return 0, err
	}
	var linked []domain.Workout
	for rows.Next() {
		w, scanErr := scanWorkout(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return 0, err
		}
		linked = append(linked, *w)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for i := range linked {
		pruned := linked[i].Clone()
		delete(pruned.ExternalIDs, sourceID)
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
		pruned.Version++
		pruned.UpdatedAt = time.Now().UTC()

		metrics, provenance, externalIDs, route, encErr := encodeJSONColumns(pruned)
		if encErr != nil {
			err = encErr
			return 0, err
		}
		const stmt = `UPDATE canonical_workouts SET
                metrics=$3, provenance=$4, external_ids=$5, route=$6,
                route_source=$7, quality_score=$8, version=$9, updated_at=$10
            WHERE athlete_id=$1 AND workout_id=$2`
		if _, err = tx.Exec(ctx, stmt,
			pruned.AthleteID, pruned.ID, metrics, provenance, externalIDs, route,
			nullIfEmpty(pruned.RouteSource), pruned.QualityScore,
			pruned.Version, pruned.UpdatedAt,
		); err != nil {
			return 0, err
		}
	}

	if _, err = tx.Exec(ctx,
		`DELETE FROM workout_external_ids WHERE athlete_id=$1 AND source_id=$2`,
		athleteID, sourceID,
	); err != nil {
		return 0, err
	}
	if _, err = tx.Exec(ctx,
		`DELETE FROM sync_cursors WHERE athlete_id=$1 AND source_id=$2`,
		athleteID, sourceID,
	); err != nil {
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(linked), nil
}

func upsertExternalIDs(ctx context.Context, tx pgx.Tx, w domain.Workout) error {
	const stmt = `INSERT INTO workout_external_ids (athlete_id, source_id, native_id, workout_id)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (athlete_id, source_id, native_id) DO NOTHING`
	for sourceID, nativeID := range w.ExternalIDs {
		if _, err := tx.Exec(ctx, stmt, w.AthleteID, sourceID, nativeID, w.ID); err != nil {
			return err
		}
	}
	return nil
}

func insertConflicts(ctx context.Context, tx pgx.Tx, conflicts []domain.ConflictLogEntry) error {
	const stmt = `INSERT INTO conflict_log (workout_id, athlete_id, field, existing_value, existing_source, candidate_value, candidate_source, resolution, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, e := range conflicts {
		if _, err := tx.Exec(ctx, stmt,
			e.WorkoutID, e.AthleteID, e.Field, e.ExistingValue, e.ExistingSource,
			e.CandidateValue, e.CandidateSource, e.Resolution, e.RecordedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) insertMergeEvents(ctx context.Context, tx pgx.Tx, w domain.Workout, conflicts []domain.ConflictLogEntry, created bool) error {
	merged := events.WorkoutMerged{
		WorkoutID:    w.ID,
		AthleteID:    w.AthleteID,
		Sport:        string(w.Sport),
		StartTime:    w.StartTime,
		EndTime:      w.EndTime,
		Version:      w.Version,
		QualityScore: w.QualityScore,
		Created:      created,
		MergedAt:     w.LastMergedAt,
	}
	if err := insertOutbox(ctx, tx, w.ID, "workout.merged", w.AthleteID,
		fmt.Sprintf("%s:%d", w.ID, w.Version), merged); err != nil {
		return err
	}

	for i, e := range conflicts {
		payload := events.ConflictRecorded{
			WorkoutID:       e.WorkoutID,
			AthleteID:       e.AthleteID,
			Field:           e.Field,
			ExistingValue:   e.ExistingValue,
			ExistingSource:  e.ExistingSource,
			CandidateValue:  e.CandidateValue,
			CandidateSource: e.CandidateSource,
			Resolution:      e.Resolution,
			OccurredAt:      e.RecordedAt,
		}
		dedupe := fmt.Sprintf("%s:%d:%s:%d", w.ID, w.Version, e.Field, i)
		if err := insertOutbox(ctx, tx, w.ID, "workout.conflict_recorded", w.AthleteID, dedupe, payload); err != nil {
			return err
		}
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateID, eventType, partitionKey, dedupeKey string, payload interface{}) error {
	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`
	_, err = tx.Exec(ctx, stmt,
		"workout", aggregateID, eventType, meta.Topic, meta.SchemaSubject,
		partitionKey, body, dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"workout.merged": {
		Topic:         "workout_merges",
		SchemaSubject: "workout_merges-value",
	},
	"workout.conflict_recorded": {
		Topic:         "workout_conflicts",
		SchemaSubject: "workout_conflicts-value",
	},
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkout(row rowScanner) (*domain.Workout, error) {
	var (
		w           domain.Workout
		sport       string
		metrics     []byte
		provenance  []byte
		externalIDs []byte
		route       []byte
		routeSource *string
	)
	if err := row.Scan(&w.ID, &w.AthleteID, &w.StartTime, &w.EndTime, &sport,
		&metrics, &provenance, &externalIDs, &route, &routeSource,
		&w.QualityScore, &w.Version, &w.LastMergedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Sport = domain.Sport(sport)
	if routeSource != nil {
		w.RouteSource = *routeSource
	}
	if err := json.Unmarshal(metrics, &w.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal(provenance, &w.Provenance); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}
	if err := json.Unmarshal(externalIDs, &w.ExternalIDs); err != nil {
		return nil, fmt.Errorf("decode external ids: %w", err)
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &w.Route); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
	}
	if w.Metrics == nil {
		w.Metrics = map[string]domain.MetricValue{}
	}
	if w.Provenance == nil {
		w.Provenance = map[string]string{}
	}
	if w.ExternalIDs == nil {
		w.ExternalIDs = map[string]string{}
	}
	return &w, nil
}

func encodeJSONColumns(w domain.Workout) (metrics, provenance, externalIDs, route []byte, err error) {
	if metrics, err = json.Marshal(w.Metrics); err != nil {
		return nil, nil, nil, nil, err
	}
	if provenance, err = json.Marshal(w.Provenance); err != nil {
		return nil, nil, nil, nil, err
	}
	if externalIDs, err = json.Marshal(w.ExternalIDs); err != nil {
		return nil, nil, nil, nil, err
	}
	if len(w.Route) > 0 {
		if route, err = json.Marshal(w.Route); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return metrics, provenance, externalIDs, route, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
