package syncjob

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/ingest"
	"github.com/kemurphy3/athlete-performance-predictor/internal/persistence/memory"
	"github.com/kemurphy3/athlete-performance-predictor/internal/reconcile"
)

const testAthlete = "athlete-1"

var testBase = time.Date(2026, time.March, 10, 7, 0, 0, 0, time.UTC)

type scriptedSource struct {
	id      string
	fetch   func(position string) (ingest.CandidatePage, error)
	fetches []string
}

func (s *scriptedSource) ID() string { return s.id }

func (s *scriptedSource) FetchCandidates(ctx context.Context, athleteID, cursor string) (ingest.CandidatePage, error) {
	s.fetches = append(s.fetches, cursor)
	return s.fetch(cursor)
}

func candidate(source, native string, start time.Time, duration time.Duration) domain.WorkoutCandidate {
	return domain.WorkoutCandidate{
		SourceID:  source,
		NativeID:  native,
		StartTime: start,
		EndTime:   start.Add(duration),
		Sport:     domain.SportRun,
		Metrics: map[string]domain.MetricValue{
			domain.MetricDuration: {Value: duration.Seconds(), Unit: "s"},
			domain.MetricDistance: {Value: 5000, Unit: "m"},
		},
	}
}

func newOrchestrator(t *testing.T, store domain.WorkoutStore, sources ...ingest.Source) *Orchestrator {
	t.Helper()
	matcher := reconcile.NewMatcher(store, reconcile.DefaultMatcherConfig())
	merger := reconcile.NewMerger(domain.DefaultPrecedence(), domain.DefaultTolerances())
	return New(store, matcher, merger, sources, DefaultConfig(),
		WithLogger(log.New(io.Discard, "", 0)),
		WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
}

func TestRunJobCommitsPagesAndAdvancesCursor(t *testing.T) {
	store := memory.NewStore()
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		switch position {
		case "":
			return ingest.CandidatePage{
				Candidates: []domain.WorkoutCandidate{
					candidate("garmin", "g-1", testBase, 30*time.Minute),
					candidate("garmin", "g-2", testBase.Add(2*time.Hour), 45*time.Minute),
				},
				NextCursor: "p2",
			}, nil
		case "p2":
			return ingest.CandidatePage{
				Candidates: []domain.WorkoutCandidate{
					candidate("garmin", "g-3", testBase.Add(4*time.Hour), 20*time.Minute),
				},
				NextCursor: "",
			}, nil
		default:
			t.Fatalf("unexpected cursor %q", position)
			return ingest.CandidatePage{}, nil
		}
	}

	o := newOrchestrator(t, store, source)
	require.NoError(t, o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"}))

	workouts, _, err := store.List(context.Background(), testAthlete, domain.TimeRange{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, workouts, 3)

	cursor, err := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, err)
	require.Equal(t, "p2", cursor.Position)
	require.Equal(t, domain.JobStatusCompleted, cursor.Status)
	require.Empty(t, cursor.LastError)
}

func TestRunJobAdvancesPastEmptyPages(t *testing.T) {
	store := memory.NewStore()
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		switch position {
		case "":
			// A gap in the feed: nothing to merge, but the source pages on.
			return ingest.CandidatePage{NextCursor: "p2"}, nil
		case "p2":
			return ingest.CandidatePage{
				Candidates: []domain.WorkoutCandidate{
					candidate("garmin", "g-1", testBase, 30*time.Minute),
				},
				NextCursor: "p3",
			}, nil
		case "p3":
			return ingest.CandidatePage{}, nil
		default:
			t.Fatalf("unexpected cursor %q", position)
			return ingest.CandidatePage{}, nil
		}
	}

	o := newOrchestrator(t, store, source)
	require.NoError(t, o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"}))

	workouts, _, err := store.List(context.Background(), testAthlete, domain.TimeRange{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, workouts, 1)

	cursor, err := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, err)
	require.Equal(t, "p3", cursor.Position)
	require.Equal(t, domain.JobStatusCompleted, cursor.Status)
}

func TestRunJobIsIdempotentAcrossReruns(t *testing.T) {
	store := memory.NewStore()
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		if position != "" {
			return ingest.CandidatePage{}, nil
		}
		return ingest.CandidatePage{
			Candidates: []domain.WorkoutCandidate{
				candidate("garmin", "g-1", testBase, 30*time.Minute),
			},
			NextCursor: "",
		}, nil
	}

	o := newOrchestrator(t, store, source)
	job := Job{AthleteID: testAthlete, SourceID: "garmin"}
	require.NoError(t, o.RunJob(context.Background(), job))

	first, _, err := store.List(context.Background(), testAthlete, domain.TimeRange{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Re-running with a reset cursor replays the same page; the external-id
	// link short-circuits the merge and nothing changes.
	require.NoError(t, store.SaveSyncCursor(context.Background(), domain.SyncCursor{
		AthleteID: testAthlete, SourceID: "garmin", Position: "",
	}))
	require.NoError(t, o.RunJob(context.Background(), job))

	second, _, err := store.List(context.Background(), testAthlete, domain.TimeRange{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Version, second[0].Version)
}

func TestRunJobDoesNotAdvanceCursorPastFailedPage(t *testing.T) {
	store := memory.NewStore()
	failuresLeft := DefaultConfig().MaxJobAttempts + 1
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		switch position {
		case "":
			return ingest.CandidatePage{
				Candidates: []domain.WorkoutCandidate{
					candidate("garmin", "g-1", testBase, 30*time.Minute),
				},
				NextCursor: "p2",
			}, nil
		case "p2":
			failuresLeft--
			return ingest.CandidatePage{}, &ingest.TransientError{Err: context.DeadlineExceeded}
		default:
			t.Fatalf("unexpected cursor %q", position)
			return ingest.CandidatePage{}, nil
		}
	}

	o := newOrchestrator(t, store, source)
	err := o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"})
	require.Error(t, err)

	// Page one committed on the first attempt; the cursor must hold there.
	cursor, getErr := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, getErr)
	require.Equal(t, "p2", cursor.Position)
	require.Equal(t, domain.JobStatusNeedsAttention, cursor.Status)
	require.NotEmpty(t, cursor.LastError)

	workouts, _, err := store.List(context.Background(), testAthlete, domain.TimeRange{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, workouts, 1)
}

func TestRunJobParksImmediatelyOnExpiredAuth(t *testing.T) {
	store := memory.NewStore()
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		return ingest.CandidatePage{}, ingest.ErrAuthExpired
	}

	o := newOrchestrator(t, store, source)
	err := o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"})
	require.ErrorIs(t, err, ingest.ErrAuthExpired)
	require.Len(t, source.fetches, 1, "expired auth must not be retried")

	cursor, getErr := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, getErr)
	require.Equal(t, domain.JobStatusNeedsAttention, cursor.Status)
}

func TestRunJobRetriesTransientFailures(t *testing.T) {
	store := memory.NewStore()
	failuresLeft := 2
	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		if failuresLeft > 0 {
			failuresLeft--
			return ingest.CandidatePage{}, &ingest.TransientError{Err: context.DeadlineExceeded}
		}
		return ingest.CandidatePage{
			Candidates: []domain.WorkoutCandidate{
				candidate("garmin", "g-1", testBase, 30*time.Minute),
			},
			NextCursor: "",
		}, nil
	}

	o := newOrchestrator(t, store, source)
	require.NoError(t, o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"}))
	require.Len(t, source.fetches, 3)

	cursor, err := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, cursor.Status)
	require.Zero(t, cursor.Attempts)
}

// flakyStore injects version conflicts on the first few updates.
type flakyStore struct {
	domain.WorkoutStore
	conflictsLeft int
	updates       int
}

func (f *flakyStore) Update(ctx context.Context, w domain.Workout, expectedVersion int64, conflicts []domain.ConflictLogEntry) error {
	f.updates++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return domain.ErrVersionConflict
	}
	return f.WorkoutStore.Update(ctx, w, expectedVersion, conflicts)
}

func TestRunJobRetriesVersionConflictWithRematch(t *testing.T) {
	inner := memory.NewStore()
	store := &flakyStore{WorkoutStore: inner, conflictsLeft: 2}

	// Seed a lower-precedence record the garmin candidate will overwrite.
	existing := domain.Workout{
		ID:        domain.WorkoutID(testAthlete, testBase, domain.SportRun, 30*time.Minute),
		AthleteID: testAthlete,
		StartTime: testBase,
		EndTime:   testBase.Add(30 * time.Minute),
		Sport:     domain.SportRun,
		Metrics: map[string]domain.MetricValue{
			domain.MetricDistance: {Value: 5200, Unit: "m"},
		},
		ExternalIDs: map[string]string{"strava": "s-1"},
		Provenance:  map[string]string{domain.MetricDistance: "strava"},
	}
	require.NoError(t, inner.Create(context.Background(), existing, nil))

	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		if position != "" {
			return ingest.CandidatePage{}, nil
		}
		return ingest.CandidatePage{
			Candidates: []domain.WorkoutCandidate{
				candidate("garmin", "g-1", testBase, 30*time.Minute),
			},
			NextCursor: "",
		}, nil
	}

	o := newOrchestrator(t, store, source)
	require.NoError(t, o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"}))
	require.Equal(t, 3, store.updates)

	got, err := inner.Get(context.Background(), testAthlete, existing.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, "garmin", got.Provenance[domain.MetricDistance])
	require.Equal(t, float64(5000), got.Metrics[domain.MetricDistance].Value)
}

func TestRunJobExhaustedVersionRetriesParksJob(t *testing.T) {
	inner := memory.NewStore()
	store := &flakyStore{WorkoutStore: inner, conflictsLeft: 1 << 30}

	existing := domain.Workout{
		ID:        domain.WorkoutID(testAthlete, testBase, domain.SportRun, 30*time.Minute),
		AthleteID: testAthlete,
		StartTime: testBase,
		EndTime:   testBase.Add(30 * time.Minute),
		Sport:     domain.SportRun,
		Metrics: map[string]domain.MetricValue{
			domain.MetricDistance: {Value: 5200, Unit: "m"},
		},
		ExternalIDs: map[string]string{"strava": "s-1"},
		Provenance:  map[string]string{domain.MetricDistance: "strava"},
	}
	require.NoError(t, inner.Create(context.Background(), existing, nil))

	source := &scriptedSource{id: "garmin"}
	source.fetch = func(position string) (ingest.CandidatePage, error) {
		return ingest.CandidatePage{
			Candidates: []domain.WorkoutCandidate{
				candidate("garmin", "g-1", testBase, 30*time.Minute),
			},
			NextCursor: "",
		}, nil
	}

	o := newOrchestrator(t, store, source)
	err := o.RunJob(context.Background(), Job{AthleteID: testAthlete, SourceID: "garmin"})
	require.Error(t, err)

	cursor, getErr := inner.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, getErr)
	require.Equal(t, domain.JobStatusNeedsAttention, cursor.Status)
	require.Empty(t, cursor.Position, "cursor must not advance past the failed page")
}

func TestRunBatchIsolatesJobFailures(t *testing.T) {
	store := memory.NewStore()
	good := &scriptedSource{id: "garmin"}
	good.fetch = func(position string) (ingest.CandidatePage, error) {
		if position != "" {
			return ingest.CandidatePage{}, nil
		}
		return ingest.CandidatePage{
			Candidates: []domain.WorkoutCandidate{
				candidate("garmin", "g-1", testBase, 30*time.Minute),
			},
			NextCursor: "",
		}, nil
	}
	bad := &scriptedSource{id: "strava"}
	bad.fetch = func(position string) (ingest.CandidatePage, error) {
		return ingest.CandidatePage{}, ingest.ErrAuthExpired
	}

	o := newOrchestrator(t, store, good, bad)
	runner := NewRunner(o, 2, log.New(io.Discard, "", 0))
	require.NoError(t, runner.RunBatch(context.Background(), []Job{
		{AthleteID: testAthlete, SourceID: "garmin"},
		{AthleteID: testAthlete, SourceID: "strava"},
	}))

	garmin, err := store.GetSyncCursor(context.Background(), testAthlete, "garmin")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, garmin.Status)

	strava, err := store.GetSyncCursor(context.Background(), testAthlete, "strava")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusNeedsAttention, strava.Status)
}
