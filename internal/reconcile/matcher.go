// Package reconcile implements the cross-source reconciliation engine: the
// matcher that decides whether a candidate describes an already-canonical
// event, and the merger that folds matched candidates together under source
// precedence and per-field tolerances.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

// MatchRule identifies which tier produced a match decision.
type MatchRule string

const (
	MatchRuleExactID         MatchRule = "EXACT_ID"
	MatchRuleTemporalFuzzy   MatchRule = "TEMPORAL_FUZZY"
	MatchRuleRouteSimilarity MatchRule = "ROUTE_SIMILARITY"
	MatchRuleNone            MatchRule = "NONE"
)

// MatchResult is the matcher's decision for one candidate. An empty
// WorkoutID means a new canonical record should be created.
type MatchResult struct {
	WorkoutID  string
	Confidence float64
	Rule       MatchRule
}

// MatcherConfig holds the tunables of the three matching tiers. The defaults
// come from the source documents and are deliberately configurable; team
// sports with frequent stops may want a narrower window than endurance
// sports.
type MatcherConfig struct {
	Window                time.Duration // temporal window around candidate start
	DurationTolerancePct  float64       // relative duration tolerance
	MinDurationTolerance  time.Duration // absolute floor for short activities
	WeakConfidenceCutoff  float64       // below this, GPS activities consult route overlap
	RouteOverlapThreshold float64       // minimum spatial overlap to confirm
	RoutePointProximity   float64       // meters two points may differ and still count
}

// DefaultMatcherConfig returns the production matching thresholds: a ±5
// minute temporal window, 5% (floor 30s) duration tolerance, and route
// confirmation for weak temporal matches.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Window:                5 * time.Minute,
		DurationTolerancePct:  0.05,
		MinDurationTolerance:  30 * time.Second,
		WeakConfidenceCutoff:  0.6,
		RouteOverlapThreshold: 0.85,
		RoutePointProximity:   10,
	}
}

// Matcher decides whether a candidate represents an existing canonical
// event, a new event, or a same-batch duplicate.
type Matcher struct {
	store domain.WorkoutStore
	cfg   MatcherConfig
}

// NewMatcher constructs a Matcher querying the given store.
func NewMatcher(store domain.WorkoutStore, cfg MatcherConfig) *Matcher {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.DurationTolerancePct <= 0 {
		cfg.DurationTolerancePct = 0.05
	}
	if cfg.MinDurationTolerance <= 0 {
		cfg.MinDurationTolerance = 30 * time.Second
	}
	return &Matcher{store: store, cfg: cfg}
}

// BatchContext tracks workouts committed earlier in the same sync page so
// two duplicate uploads arriving in one page never create two canonical
// records, even if the store read path lags its own writes.
type BatchContext struct {
	committed []domain.Workout
}

// NewBatchContext returns an empty context for one page of candidates.
func NewBatchContext() *BatchContext {
	return &BatchContext{}
}

// Record notes a workout committed during the current page.
func (b *BatchContext) Record(w domain.Workout) {
	for i := range b.committed {
		if b.committed[i].ID == w.ID {
			b.committed[i] = w.Clone()
			return
		}
	}
	b.committed = append(b.committed, w.Clone())
}

// Match evaluates the three tiers in order; the first hit wins.
func (m *Matcher) Match(ctx context.Context, candidate domain.WorkoutCandidate, athleteID string, batch *BatchContext) (MatchResult, error) {
	// Tier 1: exact external-id linkage guarantees idempotent re-sync.
	if w, err := m.store.FindByExternalID(ctx, athleteID, candidate.SourceID, candidate.NativeID); err != nil {
		return MatchResult{}, fmt.Errorf("exact-id lookup: %w", err)
	} else if w != nil {
		matchDecisions.WithLabelValues(string(MatchRuleExactID)).Inc()
		return MatchResult{WorkoutID: w.ID, Confidence: 1.0, Rule: MatchRuleExactID}, nil
	}
	if batch != nil {
		for i := range batch.committed {
			if batch.committed[i].LinkedTo(candidate.SourceID, candidate.NativeID) {
				matchDecisions.WithLabelValues(string(MatchRuleExactID)).Inc()
				return MatchResult{WorkoutID: batch.committed[i].ID, Confidence: 1.0, Rule: MatchRuleExactID}, nil
			}
		}
	}

	// Tier 2: temporal proximity among same-or-compatible sport workouts.
	from := candidate.StartTime.Add(-m.cfg.Window)
	to := candidate.StartTime.Add(m.cfg.Window)
	pool, err := m.store.FindInWindow(ctx, athleteID, from, to)
	if err != nil {
		return MatchResult{}, fmt.Errorf("window lookup: %w", err)
	}
	pool = m.mergeBatch(pool, batch, from, to)

	best, bestScore, found := m.bestTemporal(candidate, pool)
	if found {
		confidence := 1 - bestScore
		if confidence >= m.cfg.WeakConfidenceCutoff || !candidate.HasRoute() {
			matchDecisions.WithLabelValues(string(MatchRuleTemporalFuzzy)).Inc()
			return MatchResult{WorkoutID: best.ID, Confidence: confidence, Rule: MatchRuleTemporalFuzzy}, nil
		}
		// Weak temporal signal on a GPS activity: only the route decides.
		if best.HasRoute() {
			overlap := routeOverlap(candidate.Route, best.Route, m.cfg.RoutePointProximity)
			if overlap >= m.cfg.RouteOverlapThreshold {
				matchDecisions.WithLabelValues(string(MatchRuleRouteSimilarity)).Inc()
				return MatchResult{WorkoutID: best.ID, Confidence: overlap, Rule: MatchRuleRouteSimilarity}, nil
			}
			matchDecisions.WithLabelValues(string(MatchRuleNone)).Inc()
			return MatchResult{Rule: MatchRuleNone}, nil
		}
		// No route on the canonical side to contradict the weak match.
		matchDecisions.WithLabelValues(string(MatchRuleTemporalFuzzy)).Inc()
		return MatchResult{WorkoutID: best.ID, Confidence: confidence, Rule: MatchRuleTemporalFuzzy}, nil
	}

	// Tier 3: same-day route overlap for GPS activities that missed the
	// temporal window (paused recordings, split uploads).
	if candidate.HasRoute() {
		if result, err := m.matchByRoute(ctx, candidate, athleteID, batch); err != nil {
			return MatchResult{}, err
		} else if result.Rule == MatchRuleRouteSimilarity {
			return result, nil
		}
	}

	matchDecisions.WithLabelValues(string(MatchRuleNone)).Inc()
	return MatchResult{Rule: MatchRuleNone}, nil
}

// mergeBatch folds batch-committed workouts inside the window into the
// store's result set, deduplicating by id.
func (m *Matcher) mergeBatch(pool []domain.Workout, batch *BatchContext, from, to time.Time) []domain.Workout {
	if batch == nil {
		return pool
	}
	seen := make(map[string]struct{}, len(pool))
	for _, w := range pool {
		seen[w.ID] = struct{}{}
	}
	for _, w := range batch.committed {
		if _, ok := seen[w.ID]; ok {
			continue
		}
		if w.StartTime.Before(from) || w.StartTime.After(to) {
			continue
		}
		pool = append(pool, w)
	}
	return pool
}

// bestTemporal picks the candidate's closest temporal match. The combined
// score is the mean of the normalized time delta and normalized duration
// delta; ties break on higher quality score, then lexicographic workout id,
// so the decision is always deterministic.
func (m *Matcher) bestTemporal(candidate domain.WorkoutCandidate, pool []domain.Workout) (domain.Workout, float64, bool) {
	var (
		best      domain.Workout
		bestScore = math.Inf(1)
		found     bool
	)

	candDuration := candidate.Duration()
	for _, w := range pool {
		if !w.Sport.Compatible(candidate.Sport) {
			continue
		}

		timeDelta := candidate.StartTime.Sub(w.StartTime).Abs()
		if timeDelta > m.cfg.Window {
			continue
		}

		longer := maxDuration(candDuration, w.Duration())
		durationDelta := (candDuration - w.Duration()).Abs()
		allowed := maxDuration(time.Duration(float64(longer)*m.cfg.DurationTolerancePct), m.cfg.MinDurationTolerance)
		if durationDelta > allowed {
			continue
		}

		timeScore := float64(timeDelta) / float64(m.cfg.Window)
		durationScore := 0.0
		if allowed > 0 {
			durationScore = float64(durationDelta) / float64(allowed)
		}
		score := (timeScore + durationScore) / 2

		switch {
		case !found, score < bestScore:
		case score == bestScore && w.QualityScore > best.QualityScore:
		case score == bestScore && w.QualityScore == best.QualityScore && w.ID < best.ID:
		default:
			continue
		}
		best = w
		bestScore = score
		found = true
	}

	return best, bestScore, found
}

// matchByRoute compares the candidate's route against same-day GPS workouts.
func (m *Matcher) matchByRoute(ctx context.Context, candidate domain.WorkoutCandidate, athleteID string, batch *BatchContext) (MatchResult, error) {
	dayStart := candidate.StartTime.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	pool, err := m.store.FindInWindow(ctx, athleteID, dayStart, dayEnd)
	if err != nil {
		return MatchResult{}, fmt.Errorf("route lookup: %w", err)
	}
	pool = m.mergeBatch(pool, batch, dayStart, dayEnd)

	var (
		best        domain.Workout
		bestOverlap float64
		found       bool
	)
	for _, w := range pool {
		if !w.HasRoute() || !w.Sport.Compatible(candidate.Sport) {
			continue
		}
		overlap := routeOverlap(candidate.Route, w.Route, m.cfg.RoutePointProximity)
		if overlap < m.cfg.RouteOverlapThreshold {
			continue
		}
		if !found || overlap > bestOverlap || (overlap == bestOverlap && w.ID < best.ID) {
			best = w
			bestOverlap = overlap
			found = true
		}
	}
	if !found {
		return MatchResult{Rule: MatchRuleNone}, nil
	}
	matchDecisions.WithLabelValues(string(MatchRuleRouteSimilarity)).Inc()
	return MatchResult{WorkoutID: best.ID, Confidence: bestOverlap, Rule: MatchRuleRouteSimilarity}, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
