package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"review-responder/internal/models"
)

// ErrNotFound is returned for missing review-projection rows.
var ErrNotFound = errors.New("not found")

// UpsertLocation inserts or refreshes a location projection row. New rows
// start disabled; enabling is an operator action outside this core.
func (s *Store) UpsertLocation(ctx context.Context, loc models.Location) (string, error) {
	id := loc.ID
	if id == "" {
		id = uuid.New().String()
	}
	var out string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO locations (id, tenant, platform_account_id, platform_location_id, display_name, enabled)
		VALUES ($1, $2, $3, $4, $5, false)
		ON CONFLICT (tenant, platform_account_id, platform_location_id)
		DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id`,
		id, loc.Tenant, loc.PlatformAccountID, loc.PlatformID, loc.DisplayName).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("upsert location: %w", err)
	}
	return out, nil
}

// GetLocation fetches an enabled location for a tenant.
func (s *Store) GetLocation(ctx context.Context, tenant, id string) (models.Location, error) {
	var loc models.Location
	var lastSync pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant, platform_account_id, platform_location_id, display_name, enabled, last_reviews_sync_at
		FROM locations WHERE id = $1 AND tenant = $2`, id, tenant).
		Scan(&loc.ID, &loc.Tenant, &loc.PlatformAccountID, &loc.PlatformID, &loc.DisplayName, &loc.Enabled, &lastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Location{}, ErrNotFound
	}
	if err != nil {
		return models.Location{}, fmt.Errorf("get location: %w", err)
	}
	if lastSync.Valid {
		loc.LastReviewsSyncAt = &lastSync.Time
	}
	return loc, nil
}

// EnabledLocations lists a tenant's enabled locations.
func (s *Store) EnabledLocations(ctx context.Context, tenant string) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, platform_account_id, platform_location_id, display_name, enabled, last_reviews_sync_at
		FROM locations WHERE tenant = $1 AND enabled ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list enabled locations: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

// StaleLocations returns enabled locations not synced since the cutoff,
// oldest first, for the background scheduler.
func (s *Store) StaleLocations(ctx context.Context, cutoff time.Time, limit int) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, platform_account_id, platform_location_id, display_name, enabled, last_reviews_sync_at
		FROM locations
		WHERE enabled AND (last_reviews_sync_at IS NULL OR last_reviews_sync_at < $1)
		ORDER BY last_reviews_sync_at ASC NULLS FIRST
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale locations: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

func collectLocations(rows pgx.Rows) ([]models.Location, error) {
	var out []models.Location
	for rows.Next() {
		var loc models.Location
		var lastSync pgtype.Timestamptz
		if err := rows.Scan(&loc.ID, &loc.Tenant, &loc.PlatformAccountID, &loc.PlatformID,
			&loc.DisplayName, &loc.Enabled, &lastSync); err != nil {
			return nil, err
		}
		if lastSync.Valid {
			loc.LastReviewsSyncAt = &lastSync.Time
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// MarkLocationSynced stamps a completed review sync.
func (s *Store) MarkLocationSynced(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE locations SET last_reviews_sync_at = $2 WHERE id = $1`, id, now)
	return err
}

// UpsertReview inserts or refreshes a review projection row keyed by the
// platform review name. Reports whether the row was new.
func (s *Store) UpsertReview(ctx context.Context, r models.Review) (models.Review, bool, error) {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO reviews (id, tenant, location_id, platform_review_name, star_rating, comment,
			platform_reply, platform_reply_at, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (platform_review_name) DO UPDATE SET
			star_rating = EXCLUDED.star_rating,
			comment = EXCLUDED.comment,
			platform_reply = EXCLUDED.platform_reply,
			platform_reply_at = EXCLUDED.platform_reply_at,
			updated_at = now()
		RETURNING id, (xmax = 0)`,
		id, r.Tenant, r.LocationID, r.PlatformName, r.StarRating, r.Comment,
		r.PlatformReply, r.PlatformReplyAt, r.CreateTime)

	var isNew bool
	if err := row.Scan(&r.ID, &isNew); err != nil {
		return models.Review{}, false, fmt.Errorf("upsert review: %w", err)
	}
	return r, isNew, nil
}

// GetReview fetches a tenant's review by id.
func (s *Store) GetReview(ctx context.Context, tenant, id string) (models.Review, error) {
	var r models.Review
	var comment, reply, currentDraft pgtype.Text
	var replyAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant, location_id, platform_review_name, star_rating, comment,
			current_draft_id, platform_reply, platform_reply_at, create_time
		FROM reviews WHERE id = $1 AND tenant = $2`, id, tenant).
		Scan(&r.ID, &r.Tenant, &r.LocationID, &r.PlatformName, &r.StarRating, &comment,
			&currentDraft, &reply, &replyAt, &r.CreateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Review{}, ErrNotFound
	}
	if err != nil {
		return models.Review{}, fmt.Errorf("get review: %w", err)
	}
	r.Comment = textPtr(comment)
	r.CurrentDraftID = textPtr(currentDraft)
	r.PlatformReply = textPtr(reply)
	if replyAt.Valid {
		r.PlatformReplyAt = &replyAt.Time
	}
	return r, nil
}

// SetReviewReply records the platform reply snapshot on the projection.
func (s *Store) SetReviewReply(ctx context.Context, reviewID, reply string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reviews SET platform_reply = $2, platform_reply_at = $3, updated_at = now()
		WHERE id = $1`, reviewID, reply, at)
	return err
}

// GetDraft fetches a tenant's draft reply by id.
func (s *Store) GetDraft(ctx context.Context, tenant, id string) (models.DraftReply, error) {
	var d models.DraftReply
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant, review_id, version, text, status, created_at
		FROM draft_replies WHERE id = $1 AND tenant = $2`, id, tenant).
		Scan(&d.ID, &d.Tenant, &d.ReviewID, &d.Version, &d.Text, &d.Status, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DraftReply{}, ErrNotFound
	}
	if err != nil {
		return models.DraftReply{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

// CreateDraft inserts the next draft version for a review and makes it the
// review's current draft, in one transaction.
func (s *Store) CreateDraft(ctx context.Context, tenant, reviewID, text, status string) (models.DraftReply, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.DraftReply{}, fmt.Errorf("begin draft tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM draft_replies WHERE review_id = $1`,
		reviewID).Scan(&version); err != nil {
		return models.DraftReply{}, fmt.Errorf("next draft version: %w", err)
	}

	d := models.DraftReply{
		ID:       uuid.New().String(),
		Tenant:   tenant,
		ReviewID: reviewID,
		Version:  version,
		Text:     text,
		Status:   status,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO draft_replies (id, tenant, review_id, version, text, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		d.ID, d.Tenant, d.ReviewID, d.Version, d.Text, d.Status).Scan(&d.CreatedAt); err != nil {
		return models.DraftReply{}, fmt.Errorf("insert draft: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reviews SET current_draft_id = $2, updated_at = now() WHERE id = $1`,
		reviewID, d.ID); err != nil {
		return models.DraftReply{}, fmt.Errorf("set current draft: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.DraftReply{}, fmt.Errorf("commit draft tx: %w", err)
	}
	return d, nil
}

// UpdateDraftStatus moves a draft between READY/REJECTED/POSTED.
func (s *Store) UpdateDraftStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE draft_replies SET status = $2 WHERE id = $1`, id, status)
	return err
}
