package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kemurphy3/athlete-performance-predictor/internal/domain"
)

// FeedSource reads normalized candidates from the candidate_feed staging
// table. Provider webhook receivers and pollers write rows there after
// normalization; the reconciler drains them in insertion order. The cursor is
// the last consumed sequence number, which makes refetching a page idempotent.
type FeedSource struct {
	pool     *pgxpool.Pool
	sourceID string
	pageSize int
}

// NewFeedSource constructs a FeedSource for one provider's rows.
func NewFeedSource(pool *pgxpool.Pool, sourceID string, pageSize int) *FeedSource {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &FeedSource{pool: pool, sourceID: sourceID, pageSize: pageSize}
}

// ID implements Source.
func (f *FeedSource) ID() string { return f.sourceID }

// FetchCandidates implements Source.
func (f *FeedSource) FetchCandidates(ctx context.Context, athleteID, cursor string) (CandidatePage, error) {
	afterSeq := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return CandidatePage{}, &PermanentError{Reason: "malformed feed cursor: " + cursor}
		}
		afterSeq = parsed
	}

	const query = `SELECT seq, native_id, start_time, end_time, sport, metrics, route, timezone_hint, extensions
        FROM candidate_feed
        WHERE athlete_id=$1 AND source_id=$2 AND seq > $3
        ORDER BY seq
        LIMIT $4`

	rows, err := f.pool.Query(ctx, query, athleteID, f.sourceID, afterSeq, f.pageSize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return CandidatePage{}, err
		}
		return CandidatePage{}, &TransientError{Err: err}
	}
	defer rows.Close()

	page := CandidatePage{}
	lastSeq := afterSeq
	for rows.Next() {
		var (
			seq                       int64
			cand                      domain.WorkoutCandidate
			metricsRaw, routeRaw      []byte
			extensionsRaw             []byte
			sport, timezone, nativeID string
		)
		if err := rows.Scan(&seq, &nativeID, &cand.StartTime, &cand.EndTime, &sport, &metricsRaw, &routeRaw, &timezone, &extensionsRaw); err != nil {
			return CandidatePage{}, &TransientError{Err: err}
		}
		cand.SourceID = f.sourceID
		cand.NativeID = nativeID
		cand.Sport = domain.Sport(sport)
		cand.TimezoneHint = timezone
		if len(metricsRaw) > 0 {
			if err := json.Unmarshal(metricsRaw, &cand.Metrics); err != nil {
				return CandidatePage{}, &PermanentError{Reason: "malformed metrics payload at seq " + strconv.FormatInt(seq, 10)}
			}
		}
		if len(routeRaw) > 0 {
			if err := json.Unmarshal(routeRaw, &cand.Route); err != nil {
				return CandidatePage{}, &PermanentError{Reason: "malformed route payload at seq " + strconv.FormatInt(seq, 10)}
			}
		}
		if len(extensionsRaw) > 0 {
			if err := json.Unmarshal(extensionsRaw, &cand.Extensions); err != nil {
				return CandidatePage{}, &PermanentError{Reason: "malformed extensions payload at seq " + strconv.FormatInt(seq, 10)}
			}
		}
		page.Candidates = append(page.Candidates, cand)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return CandidatePage{}, &TransientError{Err: err}
	}

	if len(page.Candidates) > 0 {
		page.NextCursor = strconv.FormatInt(lastSeq, 10)
	}
	return page, nil
}

// PendingPair identifies an (athlete, source) with unconsumed feed rows.
type PendingPair struct {
	AthleteID string
	SourceID  string
}

// PendingPairs lists the (athlete, source) pairs whose feed rows are ahead of
// the committed sync cursor, i.e. the jobs the reconciler should run. Parked
// jobs stay out of the rotation until an operator clears needs_attention.
func PendingPairs(ctx context.Context, pool *pgxpool.Pool) ([]PendingPair, error) {
	const query = `SELECT DISTINCT cf.athlete_id, cf.source_id
        FROM candidate_feed cf
        LEFT JOIN sync_cursors sc
          ON sc.athlete_id = cf.athlete_id AND sc.source_id = cf.source_id
        WHERE (sc.position IS NULL
           OR cf.seq > COALESCE(NULLIF(sc.position, '')::bigint, 0))
          AND COALESCE(sc.status, '') <> 'needs_attention'`

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := make([]PendingPair, 0)
	for rows.Next() {
		var p PendingPair
		if err := rows.Scan(&p.AthleteID, &p.SourceID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
