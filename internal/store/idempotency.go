package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// IdempotencyScope identifies the (tenant, user, method, path) a client key
// binds to. The same key under a different scope is client misuse.
type IdempotencyScope struct {
	Tenant string
	UserID string
	Method string
	Path   string
}

// IdempotencyRecord is one row per (scope, key). A nil ResponseStatus means
// the first attempt is still in progress.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	RequestID      string
	ResponseStatus *int
	ResponseBody   *string
	ExpiresAt      time.Time
}

// ScopeUse describes where a key was previously used, for mismatch reporting.
type ScopeUse struct {
	Method    string
	Path      string
	RequestID string
}

// FindIdempotencyRecord returns the unexpired record for (scope, key).
func (s *Store) FindIdempotencyRecord(ctx context.Context, scope IdempotencyScope, key string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	var status pgtype.Int4
	var body pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT key, request_hash, request_id, response_status, response_body, expires_at
		FROM idempotency_records
		WHERE tenant = $1 AND user_id = $2 AND method = $3 AND path = $4 AND key = $5
		  AND expires_at > now()`,
		scope.Tenant, scope.UserID, scope.Method, scope.Path, key).
		Scan(&rec.Key, &rec.RequestHash, &rec.RequestID, &status, &body, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("find idempotency record: %w", err)
	}
	if status.Valid {
		v := int(status.Int32)
		rec.ResponseStatus = &v
	}
	if body.Valid {
		rec.ResponseBody = &body.String
	}
	return rec, true, nil
}

// FindIdempotencyScopeMismatch reports a prior use of key outside the given
// scope. A hit is a strong signal the client reuses keys across operations.
func (s *Store) FindIdempotencyScopeMismatch(ctx context.Context, scope IdempotencyScope, key string) (ScopeUse, bool, error) {
	var use ScopeUse
	err := s.pool.QueryRow(ctx, `
		SELECT method, path, request_id
		FROM idempotency_records
		WHERE key = $1 AND expires_at > now()
		  AND NOT (tenant = $2 AND user_id = $3 AND method = $4 AND path = $5)
		LIMIT 1`,
		key, scope.Tenant, scope.UserID, scope.Method, scope.Path).
		Scan(&use.Method, &use.Path, &use.RequestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScopeUse{}, false, nil
	}
	if err != nil {
		return ScopeUse{}, false, fmt.Errorf("find idempotency scope mismatch: %w", err)
	}
	return use, true, nil
}

// BeginIdempotency inserts the in-progress record. Returns false without error
// when a concurrent request already inserted it; the caller re-queries and
// takes the in-progress branch instead of erroring.
func (s *Store) BeginIdempotency(ctx context.Context, scope IdempotencyScope, key, requestHash, requestID string, retention time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (tenant, user_id, method, path, key, request_hash, request_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now() + $8)
		ON CONFLICT (tenant, user_id, method, path, key) DO NOTHING`,
		scope.Tenant, scope.UserID, scope.Method, scope.Path, key, requestHash, requestID, retention)
	if err != nil {
		return false, fmt.Errorf("begin idempotency: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeIdempotency stores the response for replay. The request hash and
// request id are never overwritten: replays must return them verbatim.
func (s *Store) FinalizeIdempotency(ctx context.Context, scope IdempotencyScope, key string, status int, body string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET response_status = $6, response_body = $7
		WHERE tenant = $1 AND user_id = $2 AND method = $3 AND path = $4 AND key = $5`,
		scope.Tenant, scope.UserID, scope.Method, scope.Path, key, status, body)
	if err != nil {
		return fmt.Errorf("finalize idempotency: %w", err)
	}
	return nil
}

// ReleaseIdempotency drops an in-progress record whose attempt produced no
// storable outcome (e.g. it was rate limited), freeing the key for a retry.
func (s *Store) ReleaseIdempotency(ctx context.Context, scope IdempotencyScope, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE tenant = $1 AND user_id = $2 AND method = $3 AND path = $4 AND key = $5
		  AND response_status IS NULL`,
		scope.Tenant, scope.UserID, scope.Method, scope.Path, key)
	if err != nil {
		return fmt.Errorf("release idempotency: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyRecords removes rows past their retention window.
func (s *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
