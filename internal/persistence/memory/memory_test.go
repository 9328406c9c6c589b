package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

func TestRemoveSourceDataDropsCursorWithTheData(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	athleteID := "athlete-mem-1"
	start := time.Date(2026, time.March, 10, 7, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	w := domain.Workout{
		ID:        domain.WorkoutID(athleteID, start, domain.SportRun, 30*time.Minute),
		AthleteID: athleteID,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Sport:     domain.SportRun,
		Metrics: map[string]domain.MetricValue{
			domain.MetricDistance: {Value: 5000, Unit: "m"},
			domain.MetricDuration: {Value: 1800, Unit: "s"},
		},
		ExternalIDs:  map[string]string{"strava": "s-1"},
		Provenance:   map[string]string{domain.MetricDistance: "strava", domain.MetricDuration: "strava"},
		Version:      1,
		LastMergedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Create(ctx, w, nil))
	require.NoError(t, store.SaveSyncCursor(ctx, domain.SyncCursor{
		AthleteID: athleteID, SourceID: "strava", Position: "p3", Status: domain.JobStatusCompleted,
	}))

	touched, err := store.RemoveSourceData(ctx, athleteID, "strava")
	require.NoError(t, err)
	require.Equal(t, 1, touched)

	linked, err := store.FindByExternalID(ctx, athleteID, "strava", "s-1")
	require.NoError(t, err)
	require.Nil(t, linked)

	cursor, err := store.GetSyncCursor(ctx, athleteID, "strava")
	require.NoError(t, err)
	require.Nil(t, cursor)

	pruned, err := store.Get(ctx, athleteID, w.ID)
	require.NoError(t, err)
	require.Empty(t, pruned.Metrics)
	require.Equal(t, int64(2), pruned.Version)
}
