package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/auth"
	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/persistence/memory"
)

const testAthlete = "athlete-1"

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	base := time.Date(2026, time.February, 1, 7, 0, 0, 0, time.UTC)

	for i, src := range []string{"garmin", "strava", "fitbit"} {
		start := base.Add(time.Duration(i) * 24 * time.Hour)
		w := domain.Workout{
			ID:        domain.WorkoutID(testAthlete, start, domain.SportRun, 30*time.Minute),
			AthleteID: testAthlete,
			StartTime: start,
			EndTime:   start.Add(30 * time.Minute),
			Sport:     domain.SportRun,
			Metrics: map[string]domain.MetricValue{
				domain.MetricDistance: {Value: 5000, Unit: "m"},
			},
			ExternalIDs: map[string]string{src: "native-" + src},
			Provenance:  map[string]string{domain.MetricDistance: src},
		}
		var conflicts []domain.ConflictLogEntry
		if i == 0 {
			conflicts = []domain.ConflictLogEntry{{
				WorkoutID:       w.ID,
				AthleteID:       testAthlete,
				Field:           domain.MetricCalories,
				ExistingValue:   400,
				ExistingSource:  "garmin",
				CandidateValue:  450,
				CandidateSource: "strava",
				Resolution:      domain.ResolutionKeptExisting,
				RecordedAt:      start.Add(time.Hour),
			}}
		}
		if err := store.Create(context.Background(), w, conflicts); err != nil {
			t.Fatalf("seed workout: %v", err)
		}
	}
	return store
}

func authedRequest(method, target string, scopes ...string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	scopeSet := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = struct{}{}
	}
	claims := &auth.Claims{
		Subject:   "tester",
		AthleteID: testAthlete,
		Scopes:    scopeSet,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func TestListWorkoutsPaginates(t *testing.T) {
	handler := NewHandler(seedStore(t))

	req := authedRequest(http.MethodGet, "/v1/workouts?limit=2", auth.ScopeWorkoutsRead)
	rr := httptest.NewRecorder()
	handler.workouts(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ListWorkoutsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items got %d", len(resp.Items))
	}
	if resp.NextCursor == "" {
		t.Fatal("expected next cursor for paginated result")
	}
	if !resp.Items[0].StartTime.After(resp.Items[1].StartTime) {
		t.Fatal("expected newest-first ordering")
	}
	if resp.Items[0].Metrics["distance_m"].Source == "" {
		t.Fatal("expected per-field provenance in view")
	}

	// Second page picks up where the cursor left off.
	req = authedRequest(http.MethodGet, "/v1/workouts?limit=2&cursor="+resp.NextCursor, auth.ScopeWorkoutsRead)
	rr = httptest.NewRecorder()
	handler.workouts(rr, req)

	var page2 ListWorkoutsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &page2); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(page2.Items) != 1 {
		t.Fatalf("expected 1 item on last page got %d", len(page2.Items))
	}
}

func TestGetWorkoutNotFound(t *testing.T) {
	handler := NewHandler(seedStore(t))

	req := authedRequest(http.MethodGet, "/v1/workouts/nope", auth.ScopeWorkoutsRead)
	rr := httptest.NewRecorder()
	handler.workoutByID(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestListWorkoutsRequiresScope(t *testing.T) {
	handler := NewHandler(seedStore(t))

	req := authedRequest(http.MethodGet, "/v1/workouts")
	rr := httptest.NewRecorder()
	handler.workouts(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestListConflicts(t *testing.T) {
	handler := NewHandler(seedStore(t))

	req := authedRequest(http.MethodGet, "/v1/conflicts", auth.ScopeWorkoutsRead)
	rr := httptest.NewRecorder()
	handler.conflicts(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ListConflictsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 conflict got %d", len(resp.Items))
	}
	if resp.Items[0].Resolution != domain.ResolutionKeptExisting {
		t.Fatalf("unexpected resolution %q", resp.Items[0].Resolution)
	}
}

func TestSyncStatus(t *testing.T) {
	store := seedStore(t)
	if err := store.SaveSyncCursor(context.Background(), domain.SyncCursor{
		AthleteID: testAthlete,
		SourceID:  "garmin",
		Position:  "p3",
		Status:    domain.JobStatusNeedsAttention,
		Attempts:  3,
		LastError: "auth expired",
	}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	handler := NewHandler(store)

	req := authedRequest(http.MethodGet, "/v1/sync/status", auth.ScopeWorkoutsRead)
	rr := httptest.NewRecorder()
	handler.syncStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var resp SyncStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Status != "needs_attention" {
		t.Fatalf("unexpected sync status payload: %+v", resp)
	}
}

func TestRemoveSourceRequiresWriteScope(t *testing.T) {
	handler := NewHandler(seedStore(t))

	req := authedRequest(http.MethodDelete, "/v1/sources/strava", auth.ScopeWorkoutsRead)
	rr := httptest.NewRecorder()
	handler.sourceByID(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestRemoveSourceDisconnectsProvider(t *testing.T) {
	store := seedStore(t)
	handler := NewHandler(store)

	req := authedRequest(http.MethodDelete, "/v1/sources/strava", auth.ScopeWorkoutsWrite)
	rr := httptest.NewRecorder()
	handler.sourceByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp RemoveSourceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.WorkoutsTouched != 1 {
		t.Fatalf("expected 1 workout touched got %d", resp.WorkoutsTouched)
	}

	if w, err := store.FindByExternalID(context.Background(), testAthlete, "strava", "native-strava"); err != nil || w != nil {
		t.Fatalf("expected strava link removed, got %v %v", w, err)
	}
}
