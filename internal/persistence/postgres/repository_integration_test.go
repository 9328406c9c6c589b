//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

func startDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("reconciler"),
		postgrescontainer.WithUsername("reconciler"),
		postgrescontainer.WithPassword("reconciler"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func testWorkout(athleteID string, start time.Time) domain.Workout {
	now := time.Now().UTC()
	return domain.Workout{
		ID:        domain.WorkoutID(athleteID, start, domain.SportRun, 30*time.Minute),
		AthleteID: athleteID,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Sport:     domain.SportRun,
		Metrics: map[string]domain.MetricValue{
			domain.MetricDistance: {Value: 5000, Unit: "m"},
			domain.MetricDuration: {Value: 1800, Unit: "s"},
		},
		ExternalIDs:  map[string]string{"garmin": "g-1"},
		Provenance:   map[string]string{domain.MetricDistance: "garmin", domain.MetricDuration: "garmin"},
		QualityScore: 0.25,
		Version:      1,
		LastMergedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRepositoryRoundTripAndVersioning(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool)

	athleteID := uuid.NewString()
	start := time.Date(2026, time.March, 10, 7, 0, 0, 0, time.UTC)
	w := testWorkout(athleteID, start)

	require.NoError(t, repo.Create(ctx, w, nil))
	require.ErrorIs(t, repo.Create(ctx, w, nil), domain.ErrWorkoutExists)

	stored, err := repo.Get(ctx, athleteID, w.ID)
	require.NoError(t, err)
	require.Equal(t, w.Metrics, stored.Metrics)
	require.Equal(t, w.ExternalIDs, stored.ExternalIDs)
	require.Equal(t, int64(1), stored.Version)

	byExternal, err := repo.FindByExternalID(ctx, athleteID, "garmin", "g-1")
	require.NoError(t, err)
	require.NotNil(t, byExternal)
	require.Equal(t, w.ID, byExternal.ID)

	missing, err := repo.FindByExternalID(ctx, athleteID, "garmin", "other")
	require.NoError(t, err)
	require.Nil(t, missing)

	// Stale writers lose the version race.
	updated := stored.Clone()
	updated.ExternalIDs["strava"] = "s-1"
	updated.Metrics[domain.MetricCalories] = domain.MetricValue{Value: 420, Unit: "kcal"}
	updated.Provenance[domain.MetricCalories] = "strava"
	conflict := domain.ConflictLogEntry{
		WorkoutID:       w.ID,
		AthleteID:       athleteID,
		Field:           domain.MetricDistance,
		ExistingValue:   5000,
		ExistingSource:  "garmin",
		CandidateValue:  5150,
		CandidateSource: "strava",
		Resolution:      domain.ResolutionKeptExisting,
		RecordedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.Update(ctx, updated, stored.Version, []domain.ConflictLogEntry{conflict}))
	require.ErrorIs(t, repo.Update(ctx, updated, stored.Version, nil), domain.ErrVersionConflict)

	after, err := repo.Get(ctx, athleteID, w.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), after.Version)
	require.Equal(t, "s-1", after.ExternalIDs["strava"])

	conflicts, err := repo.ListConflicts(ctx, athleteID, domain.TimeRange{})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, domain.ResolutionKeptExisting, conflicts[0].Resolution)
	require.Equal(t, float64(5000), conflicts[0].ExistingValue)
	require.Equal(t, float64(5150), conflicts[0].CandidateValue)

	// Every commit leaves an outbox trail.
	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE aggregate_id=$1`, w.ID).Scan(&outboxRows))
	require.GreaterOrEqual(t, outboxRows, 3) // two merges plus one conflict
}

func TestRepositoryListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool)

	athleteID := uuid.NewString()
	base := time.Date(2026, time.March, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w := testWorkout(athleteID, base.Add(time.Duration(i)*24*time.Hour))
		w.ExternalIDs = map[string]string{"garmin": w.ID}
		require.NoError(t, repo.Create(ctx, w, nil))
	}

	page1, next, err := repo.List(ctx, athleteID, domain.TimeRange{}, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, next)
	require.True(t, page1[0].StartTime.After(page1[1].StartTime))

	page2, _, err := repo.List(ctx, athleteID, domain.TimeRange{}, next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.True(t, page1[1].StartTime.After(page2[0].StartTime))
}

func TestRepositoryRemoveSourceDataPrunesOwnership(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool)

	athleteID := uuid.NewString()
	start := time.Date(2026, time.April, 2, 18, 0, 0, 0, time.UTC)
	w := testWorkout(athleteID, start)
	w.ExternalIDs["strava"] = "s-9"
	w.Provenance[domain.MetricCalories] = "strava"
	w.Metrics[domain.MetricCalories] = domain.MetricValue{Value: 500, Unit: "kcal"}
	require.NoError(t, repo.Create(ctx, w, nil))
	require.NoError(t, repo.SaveSyncCursor(ctx, domain.SyncCursor{
		AthleteID: athleteID, SourceID: "strava", Position: "p9", Status: domain.JobStatusCompleted,
	}))

	touched, err := repo.RemoveSourceData(ctx, athleteID, "strava")
	require.NoError(t, err)
	require.Equal(t, 1, touched)

	after, err := repo.Get(ctx, athleteID, w.ID)
	require.NoError(t, err)
	require.NotContains(t, after.ExternalIDs, "strava")
	require.NotContains(t, after.Metrics, domain.MetricCalories)
	require.Equal(t, int64(2), after.Version)

	gone, err := repo.FindByExternalID(ctx, athleteID, "strava", "s-9")
	require.NoError(t, err)
	require.Nil(t, gone)

	cursor, err := repo.GetSyncCursor(ctx, athleteID, "strava")
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
