// Package api exposes the HTTP read surface over the canonical workout store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/auth"
	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/persistence"
)

// Handler coordinates HTTP requests with the workout store.
type Handler struct {
	store domain.WorkoutStore
}

// NewHandler builds a Handler.
func NewHandler(store domain.WorkoutStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/workouts", h.workouts)
	mux.HandleFunc("/v1/workouts/", h.workoutByID)
	mux.HandleFunc("/v1/conflicts", h.conflicts)
	mux.HandleFunc("/v1/sync/status", h.syncStatus)
	mux.HandleFunc("/v1/sources/", h.sourceByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) workouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	rng, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	workouts, next, err := h.store.List(r.Context(), claims.AthleteID, rng, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]WorkoutView, 0, len(workouts))
	for i := range workouts {
		items = append(items, toWorkoutView(&workouts[i]))
	}

	writeJSON(w, http.StatusOK, ListWorkoutsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) workoutByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/workouts/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workout id")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	workout, err := h.store.Get(r.Context(), claims.AthleteID, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkoutNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toWorkoutView(workout))
}

func (h *Handler) conflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	rng, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	entries, err := h.store.ListConflicts(r.Context(), claims.AthleteID, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ConflictView, 0, len(entries))
	for _, e := range entries {
		items = append(items, ConflictView{
			WorkoutID:       e.WorkoutID,
			Field:           e.Field,
			ExistingValue:   e.ExistingValue,
			ExistingSource:  e.ExistingSource,
			CandidateValue:  e.CandidateValue,
			CandidateSource: e.CandidateSource,
			Resolution:      e.Resolution,
			RecordedAt:      e.RecordedAt,
		})
	}

	writeJSON(w, http.StatusOK, ListConflictsResponse{Items: items})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	cursors, err := h.store.ListSyncCursors(r.Context(), claims.AthleteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]SyncStatusView, 0, len(cursors))
	for _, c := range cursors {
		items = append(items, SyncStatusView{
			SourceID:  c.SourceID,
			Status:    string(c.Status),
			Attempts:  c.Attempts,
			LastError: c.LastError,
			UpdatedAt: c.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, SyncStatusResponse{Sources: items})
}

// sourceByID handles DELETE /v1/sources/{source_id}: the athlete disconnects
// a provider, and every field that source solely owned is withdrawn.
func (h *Handler) sourceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	sourceID := strings.TrimPrefix(r.URL.Path, "/v1/sources/")
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing source id")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:write required")
		return
	}

	touched, err := h.store.RemoveSourceData(r.Context(), claims.AthleteID, sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RemoveSourceResponse{
		SourceID:        sourceID,
		WorkoutsTouched: touched,
	})
}

func (h *Handler) requireRead(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeWorkoutsRead) && !claims.HasScope(auth.ScopeWorkoutsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:read required")
		return nil, false
	}
	return claims, true
}

func parseTimeRange(r *http.Request) (domain.TimeRange, error) {
	var rng domain.TimeRange
	if raw := r.URL.Query().Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return rng, errors.New("invalid from timestamp")
		}
		rng.From = ts
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return rng, errors.New("invalid to timestamp")
		}
		rng.To = ts
	}
	return rng, nil
}

// MetricView is one merged measurement plus the source that supplied it.
type MetricView struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Source string  `json:"source,omitempty"`
}

// WorkoutView exposes full details about a canonical workout.
type WorkoutView struct {
	WorkoutID    string                `json:"workout_id"`
	Sport        string                `json:"sport"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	Metrics      map[string]MetricView `json:"metrics"`
	ExternalIDs  map[string]string     `json:"external_ids"`
	RoutePoints  int                   `json:"route_points"`
	RouteSource  string                `json:"route_source,omitempty"`
	QualityScore float64               `json:"quality_score"`
	Version      int64                 `json:"version"`
	LastMergedAt time.Time             `json:"last_merged_at"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// ListWorkoutsResponse packages list results.
type ListWorkoutsResponse struct {
	Items      []WorkoutView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ConflictView exposes one retained disagreement between sources.
type ConflictView struct {
	WorkoutID       string    `json:"workout_id"`
	Field           string    `json:"field"`
	ExistingValue   float64   `json:"existing_value"`
	ExistingSource  string    `json:"existing_source"`
	CandidateValue  float64   `json:"candidate_value"`
	CandidateSource string    `json:"candidate_source"`
	Resolution      string    `json:"resolution"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// ListConflictsResponse packages conflict log results.
type ListConflictsResponse struct {
	Items []ConflictView `json:"items"`
}

// SyncStatusView reports the sync job state for one connected source.
type SyncStatusView struct {
	SourceID  string    `json:"source_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncStatusResponse packages per-source sync states.
type SyncStatusResponse struct {
	Sources []SyncStatusView `json:"sources"`
}

// RemoveSourceResponse reports the result of disconnecting a source.
type RemoveSourceResponse struct {
	SourceID        string `json:"source_id"`
	WorkoutsTouched int    `json:"workouts_touched"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toWorkoutView(w *domain.Workout) WorkoutView {
	metrics := make(map[string]MetricView, len(w.Metrics))
	for field, value := range w.Metrics {
		metrics[field] = MetricView{
			Value:  value.Value,
			Unit:   value.Unit,
			Source: w.Provenance[field],
		}
	}
	return WorkoutView{
		WorkoutID:    w.ID,
		Sport:        string(w.Sport),
		StartTime:    w.StartTime,
		EndTime:      w.EndTime,
		Metrics:      metrics,
		ExternalIDs:  w.ExternalIDs,
		RoutePoints:  len(w.Route),
		RouteSource:  w.RouteSource,
		QualityScore: w.QualityScore,
		Version:      w.Version,
		LastMergedAt: w.LastMergedAt,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}
