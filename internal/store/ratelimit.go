package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RateLimitResult carries the values surfaced on RateLimit-* headers.
type RateLimitResult struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetEpochSec int64
	RetryAfterSec int
}

// UTCMinuteStart truncates t to the start of its UTC minute bucket.
func UTCMinuteStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// ConsumeRateLimit atomically consumes one request from the fixed
// per-(tenant, user, scope) UTC-minute window. A single conditional upsert
// either increments under the limit and returns the new count, or affects
// zero rows, which is the rejection.
func (s *Store) ConsumeRateLimit(ctx context.Context, tenant, userID, scope string, limit int, now time.Time) (RateLimitResult, error) {
	windowStart := UTCMinuteStart(now)
	resetAt := windowStart.Add(time.Minute)
	result := RateLimitResult{
		Limit:         limit,
		ResetEpochSec: resetAt.Unix(),
	}

	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (tenant, user_id, scope, window_start, count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant, user_id, scope, window_start)
		DO UPDATE SET count = rate_limit_windows.count + 1
		WHERE rate_limit_windows.count < $5
		RETURNING count`,
		tenant, userID, scope, windowStart, limit).Scan(&count)

	if errors.Is(err, pgx.ErrNoRows) {
		result.Allowed = false
		result.Remaining = 0
		retryAfter := int(resetAt.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		result.RetryAfterSec = retryAfter
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("consume rate limit: %w", err)
	}

	result.Allowed = true
	result.Remaining = limit - count
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// PruneRateLimitWindows drops windows older than an hour; they can never be
// consulted again.
func (s *Store) PruneRateLimitWindows(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limit_windows WHERE window_start < $1`, now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
