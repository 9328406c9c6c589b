// Package ingest defines the contract between provider adapters and the
// reconciliation pipeline. Adapters own provider auth, pagination, and unit
// normalization; the pipeline only ever sees canonical candidates and the
// typed failures below.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

// CandidatePage is one fetched page of normalized candidates. An empty
// NextCursor means the source is drained for this sync; the caller keeps its
// position at the last committed page. A page may carry a NextCursor without
// candidates, in which case the caller advances past it.
type CandidatePage struct {
	Candidates []domain.WorkoutCandidate
	NextCursor string
}

// Source fetches normalized candidates for an athlete. FetchCandidates must
// be idempotent for a given cursor: refetching a page returns the same
// candidates.
type Source interface {
	ID() string
	FetchCandidates(ctx context.Context, athleteID, cursor string) (CandidatePage, error)
}

// ErrAuthExpired indicates the source's credentials need external re-auth.
// The job parks as needs_attention rather than retrying.
var ErrAuthExpired = errors.New("source authorization expired")

// RateLimitedError reports provider throttling with the wait the provider
// asked for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps network-class failures worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient ingestion error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks failures that retrying cannot fix; the job abandons
// the sync after logging.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent ingestion error: %s", e.Reason) }
