package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"review-responder/internal/jobs"
	"review-responder/internal/telemetry"
)

// Breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// BreakerPolicy holds the tuning constants for one deployment.
type BreakerPolicy struct {
	FailuresToOpen           int
	Window                   time.Duration
	OpenFor                  time.Duration
	HalfOpenSuccessesToClose int
}

// BreakerRow mirrors one circuit_breakers row.
type BreakerRow struct {
	State             string
	WindowStart       *time.Time
	WindowFailures    int
	OpenUntil         *time.Time
	HalfOpenSuccesses int
}

// breakerAfterSuccess is the pure transition applied when an upstream call
// succeeds. OPEN past its deadline moves to HALF_OPEN and the success counts
// as the first probe; enough consecutive probe successes close the breaker.
func breakerAfterSuccess(p BreakerPolicy, row BreakerRow, now time.Time) BreakerRow {
	switch row.State {
	case BreakerHalfOpen:
		row.HalfOpenSuccesses++
		if row.HalfOpenSuccesses >= p.HalfOpenSuccessesToClose {
			return BreakerRow{State: BreakerClosed}
		}
		return row
	case BreakerOpen:
		if row.OpenUntil != nil && !row.OpenUntil.After(now) {
			return BreakerRow{State: BreakerHalfOpen, HalfOpenSuccesses: 1}
		}
		return row
	default:
		return row
	}
}

// breakerAfterFailure is the pure transition applied when an upstream call
// fails. Any half-open failure reopens immediately; closed-state failures
// accumulate in a rolling window and trip the breaker at the threshold.
func breakerAfterFailure(p BreakerPolicy, row BreakerRow, now time.Time) BreakerRow {
	openUntil := now.Add(p.OpenFor)

	if row.State == BreakerOpen {
		if row.OpenUntil != nil && !row.OpenUntil.After(now) {
			start := now
			return BreakerRow{State: BreakerHalfOpen, WindowStart: &start, WindowFailures: 1}
		}
		return row
	}

	if row.State == BreakerHalfOpen {
		return BreakerRow{State: BreakerOpen, OpenUntil: &openUntil}
	}

	start := row.WindowStart
	failures := row.WindowFailures + 1
	if start == nil || now.Sub(*start) > p.Window {
		s := now
		start = &s
		failures = 1
	}
	if failures >= p.FailuresToOpen {
		return BreakerRow{State: BreakerOpen, OpenUntil: &openUntil, WindowStart: start, WindowFailures: failures}
	}
	return BreakerRow{State: BreakerClosed, WindowStart: start, WindowFailures: failures}
}

// breakerRejects reports whether calls must fail fast right now, with the
// seconds until the next allowed attempt.
func breakerRejects(row BreakerRow, now time.Time) (bool, int) {
	if row.State != BreakerOpen || row.OpenUntil == nil || !row.OpenUntil.After(now) {
		return false, 0
	}
	retryAfter := int(math.Ceil(row.OpenUntil.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return true, retryAfter
}

// BreakerPrecheck fails fast with a retryable error while the breaker for
// (tenant, upstreamKey) is open. An expired open window lets the call through;
// the first result after it decides HALF_OPEN's fate.
func (s *Store) BreakerPrecheck(ctx context.Context, tenant, upstreamKey string, now time.Time) error {
	row, found, err := s.readBreaker(ctx, s.pool, tenant, upstreamKey, false)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if rejects, retryAfter := breakerRejects(row, now); rejects {
		telemetry.BreakerRejects.Inc()
		return jobs.Transient(jobs.CodeUpstream5xx, "upstream circuit breaker open", map[string]any{
			"upstreamKey":   upstreamKey,
			"retryAfterSec": retryAfter,
		})
	}
	return nil
}

// BreakerRecordSuccess applies the success transition transactionally.
func (s *Store) BreakerRecordSuccess(ctx context.Context, tenant, upstreamKey string, p BreakerPolicy, now time.Time) error {
	return s.updateBreaker(ctx, tenant, upstreamKey, func(row BreakerRow) BreakerRow {
		return breakerAfterSuccess(p, row, now)
	})
}

// BreakerRecordFailure applies the failure transition transactionally.
func (s *Store) BreakerRecordFailure(ctx context.Context, tenant, upstreamKey string, p BreakerPolicy, now time.Time) error {
	return s.updateBreaker(ctx, tenant, upstreamKey, func(row BreakerRow) BreakerRow {
		return breakerAfterFailure(p, row, now)
	})
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) readBreaker(ctx context.Context, q pgQuerier, tenant, upstreamKey string, forUpdate bool) (BreakerRow, bool, error) {
	query := `
		SELECT state, window_start, window_failures, open_until, half_open_successes
		FROM circuit_breakers WHERE tenant = $1 AND upstream_key = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row BreakerRow
	err := q.QueryRow(ctx, query, tenant, upstreamKey).
		Scan(&row.State, &row.WindowStart, &row.WindowFailures, &row.OpenUntil, &row.HalfOpenSuccesses)
	if errors.Is(err, pgx.ErrNoRows) {
		return BreakerRow{State: BreakerClosed}, false, nil
	}
	if err != nil {
		return BreakerRow{}, false, fmt.Errorf("read breaker: %w", err)
	}
	return row, true, nil
}

func (s *Store) updateBreaker(ctx context.Context, tenant, upstreamKey string, transition func(BreakerRow) BreakerRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin breaker tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row, _, err := s.readBreaker(ctx, tx, tenant, upstreamKey, true)
	if err != nil {
		return err
	}
	next := transition(row)

	_, err = tx.Exec(ctx, `
		INSERT INTO circuit_breakers (tenant, upstream_key, state, window_start, window_failures, open_until, half_open_successes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant, upstream_key) DO UPDATE SET
			state = EXCLUDED.state,
			window_start = EXCLUDED.window_start,
			window_failures = EXCLUDED.window_failures,
			open_until = EXCLUDED.open_until,
			half_open_successes = EXCLUDED.half_open_successes,
			updated_at = now()`,
		tenant, upstreamKey, next.State, next.WindowStart, next.WindowFailures, next.OpenUntil, next.HalfOpenSuccesses)
	if err != nil {
		return fmt.Errorf("write breaker: %w", err)
	}
	return tx.Commit(ctx)
}
