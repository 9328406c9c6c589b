// Package syncjob drives per-(athlete, source) reconciliation jobs end to
// end: fetch, order, match, merge, commit, advance cursor. It owns the retry
// and failure policy; matching and merging stay in reconcile.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
	"github.com/kemurphy3/athlete-performance-predictor/internal/ingest"
	"github.com/kemurphy3/athlete-performance-predictor/internal/observability"
	"github.com/kemurphy3/athlete-performance-predictor/internal/reconcile"
)

// Config tunes the orchestrator's retry and timeout policy.
type Config struct {
	FetchTimeout      time.Duration // hard cap per candidate-page fetch
	MaxJobAttempts    int           // attempts before the job parks
	MaxVersionRetries int           // optimistic-concurrency retries per candidate
	BaseBackoff       time.Duration // first retry delay, doubled per attempt
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:      30 * time.Second,
		MaxJobAttempts:    3,
		MaxVersionRetries: 5,
		BaseBackoff:       2 * time.Second,
	}
}

// Job identifies one (athlete, source) sync.
type Job struct {
	AthleteID string
	SourceID  string
}

// Orchestrator composes the matcher, merger, and store into the sync state
// machine. It holds no locks across a page; isolation between concurrent
// writers comes from the store's per-workout version check.
type Orchestrator struct {
	store   domain.WorkoutStore
	matcher *reconcile.Matcher
	merger  *reconcile.Merger
	sources map[string]ingest.Source
	cfg     Config
	logger  *log.Logger
	sleep   func(context.Context, time.Duration) error
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger used to report job progress.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSleeper overrides backoff sleeping, used by tests to skip real waits.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New constructs an Orchestrator over the given sources.
func New(store domain.WorkoutStore, matcher *reconcile.Matcher, merger *reconcile.Merger, sources []ingest.Source, cfg Config, opts ...Option) *Orchestrator {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 3
	}
	if cfg.MaxVersionRetries <= 0 {
		cfg.MaxVersionRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}

	byID := make(map[string]ingest.Source, len(sources))
	for _, src := range sources {
		byID[src.ID()] = src
	}

	o := &Orchestrator{
		store:   store,
		matcher: matcher,
		merger:  merger,
		sources: byID,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[syncjob] ", log.LstdFlags),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunJob executes one sync job to a terminal state: completed, or
// needs_attention with the last committed cursor preserved.
func (o *Orchestrator) RunJob(ctx context.Context, job Job) error {
	source, ok := o.sources[job.SourceID]
	if !ok {
		return fmt.Errorf("no adapter registered for source %q", job.SourceID)
	}

	cursor, err := o.loadCursor(ctx, job)
	if err != nil {
		return err
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxJobAttempts; attempt++ {
		lastErr = o.runAttempt(ctx, job, source, &cursor)
		if lastErr == nil {
			cursor.Attempts = 0
			o.setStatus(ctx, &cursor, domain.JobStatusCompleted, "")
			jobsCompleted.Inc()
			jobDuration.Observe(time.Since(start).Seconds())
			observability.RecordSyncCompleted(time.Now().UTC())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch classifyFailure(lastErr) {
		case failurePark:
			break
		case failureRetryAfter:
			var rl *ingest.RateLimitedError
			errors.As(lastErr, &rl)
			delay := maxDelay(rl.RetryAfter, o.backoff(attempt))
			o.logger.Printf("job %s/%s rate limited, retrying in %s (attempt %d/%d)", job.AthleteID, job.SourceID, delay, attempt, o.cfg.MaxJobAttempts)
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		case failureRetry:
			delay := o.backoff(attempt)
			o.logger.Printf("job %s/%s failed: %v, retrying in %s (attempt %d/%d)", job.AthleteID, job.SourceID, lastErr, delay, attempt, o.cfg.MaxJobAttempts)
			cursor.Attempts = attempt
			o.setStatus(ctx, &cursor, domain.JobStatusFailed, lastErr.Error())
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		break
	}

	// Exhausted retries or a non-retryable failure: park with the cursor at
	// the last durably committed page.
	o.setStatus(ctx, &cursor, domain.JobStatusNeedsAttention, lastErr.Error())
	jobsParked.Inc()
	o.logger.Printf("job %s/%s parked: %v", job.AthleteID, job.SourceID, lastErr)
	return lastErr
}

// runAttempt drains the source page by page until the cursor is exhausted.
func (o *Orchestrator) runAttempt(ctx context.Context, job Job, source ingest.Source, cursor *domain.SyncCursor) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.setStatus(ctx, cursor, domain.JobStatusFetching, "")
		page, err := o.fetchPage(ctx, job, source, cursor.Position)
		if err != nil {
			return err
		}
		if len(page.Candidates) == 0 && page.NextCursor == "" {
			return nil
		}

		if len(page.Candidates) > 0 {
			// Ascending start order makes batch-local duplicate suppression
			// deterministic regardless of how the source paginated.
			sort.SliceStable(page.Candidates, func(i, j int) bool {
				if page.Candidates[i].StartTime.Equal(page.Candidates[j].StartTime) {
					return page.Candidates[i].NativeID < page.Candidates[j].NativeID
				}
				return page.Candidates[i].StartTime.Before(page.Candidates[j].StartTime)
			})

			batch := reconcile.NewBatchContext()
			for _, candidate := range page.Candidates {
				// Cancellation is cooperative and only between candidates,
				// never mid-merge.
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := o.processCandidate(ctx, job, cursor, candidate, batch); err != nil {
					return err
				}
			}
		}

		// The cursor advances only past a fully committed page. A drained
		// page carries no NextCursor and leaves the position where it was;
		// an empty page that still points forward advances, so a sparse
		// source cannot stall the job.
		o.setStatus(ctx, cursor, domain.JobStatusCommitting, "")
		if page.NextCursor != "" {
			cursor.Position = page.NextCursor
		}
		if err := o.store.SaveSyncCursor(ctx, *cursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		pagesCommitted.Inc()

		if page.NextCursor == "" {
			return nil
		}
	}
}

func (o *Orchestrator) fetchPage(ctx context.Context, job Job, source ingest.Source, position string) (ingest.CandidatePage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	page, err := source.FetchCandidates(fetchCtx, job.AthleteID, position)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// A timed-out page fails without advancing the cursor.
			return ingest.CandidatePage{}, &ingest.TransientError{Err: fmt.Errorf("page fetch timed out after %s", o.cfg.FetchTimeout)}
		}
		return ingest.CandidatePage{}, err
	}
	return page, nil
}

// processCandidate runs the match-merge-commit cycle for one candidate,
// retrying the whole cycle when another writer moved the record first.
func (o *Orchestrator) processCandidate(ctx context.Context, job Job, cursor *domain.SyncCursor, candidate domain.WorkoutCandidate, batch *reconcile.BatchContext) error {
	for attempt := 1; attempt <= o.cfg.MaxVersionRetries; attempt++ {
		o.setStatus(ctx, cursor, domain.JobStatusMatching, "")
		result, err := o.matcher.Match(ctx, candidate, job.AthleteID, batch)
		if err != nil {
			return err
		}

		var existing *domain.Workout
		if result.WorkoutID != "" {
			existing, err = o.store.Get(ctx, job.AthleteID, result.WorkoutID)
			if err != nil {
				return fmt.Errorf("load matched workout %s: %w", result.WorkoutID, err)
			}
		}

		o.setStatus(ctx, cursor, domain.JobStatusMerging, "")
		merged, conflicts, dirty := o.merger.Merge(job.AthleteID, existing, candidate)
		if !dirty {
			batch.Record(merged)
			candidatesProcessed.WithLabelValues(string(result.Rule)).Inc()
			return nil
		}

		if existing == nil {
			err = o.store.Create(ctx, merged, conflicts)
			if errors.Is(err, domain.ErrWorkoutExists) {
				// Another writer materialized the same identity; re-match.
				versionConflicts.Inc()
				continue
			}
		} else {
			err = o.store.Update(ctx, merged, existing.Version, conflicts)
			if errors.Is(err, domain.ErrVersionConflict) {
				versionConflicts.Inc()
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("commit candidate %s/%s: %w", candidate.SourceID, candidate.NativeID, err)
		}

		batch.Record(merged)
		candidatesProcessed.WithLabelValues(string(result.Rule)).Inc()
		observability.RecordWorkoutMerged(time.Now().UTC())
		return nil
	}

	return &ingest.TransientError{Err: fmt.Errorf("candidate %s/%s: version conflict retries exhausted", candidate.SourceID, candidate.NativeID)}
}

func (o *Orchestrator) loadCursor(ctx context.Context, job Job) (domain.SyncCursor, error) {
	cursor, err := o.store.GetSyncCursor(ctx, job.AthleteID, job.SourceID)
	if err != nil {
		return domain.SyncCursor{}, fmt.Errorf("load sync cursor: %w", err)
	}
	if cursor == nil {
		return domain.SyncCursor{
			AthleteID: job.AthleteID,
			SourceID:  job.SourceID,
			Status:    domain.JobStatusIdle,
		}, nil
	}
	return *cursor, nil
}

// setStatus persists job state transitions best-effort; a status write
// failure never fails the sync itself. Repeated writes of the same state are
// elided.
func (o *Orchestrator) setStatus(ctx context.Context, cursor *domain.SyncCursor, status domain.JobStatus, lastError string) {
	if cursor.Status == status && cursor.LastError == lastError {
		return
	}
	cursor.Status = status
	cursor.LastError = lastError
	if err := o.store.SaveSyncCursor(ctx, *cursor); err != nil && ctx.Err() == nil {
		o.logger.Printf("save cursor status %s: %v", status, err)
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * o.cfg.BaseBackoff
}

type failureClass int

const (
	failureRetry failureClass = iota
	failureRetryAfter
	failurePark
)

// classifyFailure maps ingestion failures onto retry policy: rate limits and
// transient errors retry, auth expiry and permanent failures park.
func classifyFailure(err error) failureClass {
	var rl *ingest.RateLimitedError
	if errors.As(err, &rl) {
		return failureRetryAfter
	}
	var tr *ingest.TransientError
	if errors.As(err, &tr) {
		return failureRetry
	}
	if errors.Is(err, ingest.ErrAuthExpired) {
		return failurePark
	}
	var perm *ingest.PermanentError
	if errors.As(err, &perm) {
		return failurePark
	}
	return failureRetry
}

func maxDelay(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
