package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"review-responder/internal/jobs"
	"review-responder/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist for the tenant.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, tenant, type, status, payload, attempts, max_attempts, run_at,
	locked_at, locked_by, dedup_key, last_error_code, last_error_meta, last_error,
	triggered_by_request_id, triggered_by_user_id, created_at, completed_at`

// claimOrder ranks due jobs: reply posting and draft work before bulk sync,
// then oldest run_at first.
const claimOrder = `
	CASE type
		WHEN 'POST_REPLY' THEN 0
		WHEN 'PROCESS_REVIEW' THEN 1
		WHEN 'SYNC_REVIEWS' THEN 2
		WHEN 'SYNC_LOCATIONS' THEN 2
		ELSE 9
	END ASC, run_at ASC`

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Tenant      string
	Type        string
	Payload     map[string]any
	DedupKey    string
	RunAt       time.Time
	MaxAttempts int
	RequestID   string
	UserID      string
}

// EnqueueJob inserts a new PENDING job. If a non-terminal job already exists
// for (tenant, type, dedup_key), the insert hits the partial unique index and
// the existing job is fetched and returned instead: concurrent enqueue races
// collapse onto a single job without caller-side locking. The boolean reports
// whether an existing job was reused.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant, type, status, payload, attempts, max_attempts, run_at,
			dedup_key, triggered_by_request_id, triggered_by_user_id)
		VALUES ($1, $2, $3, 'PENDING', $4, 0, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING `+jobColumns,
		id, p.Tenant, p.Type, payloadJSON, p.MaxAttempts, p.RunAt, p.DedupKey, p.RequestID, p.UserID)

	job, err := scanJob(row)
	if err == nil {
		return job, false, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" || p.DedupKey == "" {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	// Lost the dedup race: return the existing non-terminal job.
	existing, err := s.findActiveByDedup(ctx, p.Tenant, p.Type, p.DedupKey)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, true, nil
}

func (s *Store) findActiveByDedup(ctx context.Context, tenant, jobType, dedupKey string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant = $1 AND type = $2 AND dedup_key = $3
		  AND status IN ('PENDING', 'RUNNING', 'RETRYING')
		LIMIT 1`,
		tenant, jobType, dedupKey)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errors.New("dedup conflict but no active job found")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("find active dedup job: %w", err)
	}
	return job, nil
}

// ClaimJobs atomically selects and locks up to limit due jobs. Due means
// PENDING/RETRYING with run_at in the past and no lock, or RUNNING with a lock
// older than staleAfter (a crashed worker's claim, reclaimable). SKIP LOCKED
// keeps concurrent claimers from blocking or double-claiming.
func (s *Store) ClaimJobs(ctx context.Context, limit int, workerID string, staleAfter time.Duration, now time.Time) ([]models.Job, error) {
	staleBefore := now.Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = 'RUNNING', locked_at = $1, locked_by = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (status IN ('PENDING', 'RETRYING') AND run_at <= $1 AND locked_at IS NULL)
			   OR (status = 'RUNNING' AND locked_at IS NOT NULL AND locked_at <= $3)
			ORDER BY `+claimOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING `+jobColumns,
		now, workerID, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

// ClaimJobByID is the fast-path conditional claim: it takes this one job only
// if it matches tenant and type, is PENDING/RETRYING, and is unlocked. Zero
// rows affected means another executor owns it and the caller must not touch it.
func (s *Store) ClaimJobByID(ctx context.Context, id, tenant, jobType, workerID string, now time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'RUNNING', locked_at = $1, locked_by = $2
		WHERE id = $3 AND tenant = $4 AND type = $5
		  AND status IN ('PENDING', 'RETRYING') AND locked_at IS NULL
		RETURNING `+jobColumns,
		now, workerID, id, tenant, jobType)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job by id: %w", err)
	}
	return job, true, nil
}

// CompleteJob marks a job COMPLETED and clears lock and error fields.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED', completed_at = now(), locked_at = NULL, locked_by = NULL,
		    last_error_code = NULL, last_error_meta = NULL, last_error = NULL
		WHERE id = $1`, id)
	return err
}

// FailJob marks a job terminally FAILED with a redacted error code and
// bounded metadata.
func (s *Store) FailJob(ctx context.Context, id string, code jobs.Code, meta map[string]any, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'FAILED', completed_at = now(), locked_at = NULL, locked_by = NULL,
		    last_error_code = $2, last_error_meta = $3, last_error = $4
		WHERE id = $1`,
		id, string(code), jobs.MarshalMeta(meta), jobs.Truncate(message))
	return err
}

// RetryJob records a failed attempt. If the attempt budget is exhausted the
// job fails terminally; otherwise it returns to RETRYING with a backoff delay.
func (s *Store) RetryJob(ctx context.Context, id string, attempts, maxAttempts int, code jobs.Code, meta map[string]any, message string) error {
	if attempts+1 >= maxAttempts {
		return s.FailJob(ctx, id, code, meta, message)
	}
	nextRun := time.Now().Add(jobs.Backoff(attempts))
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'RETRYING', attempts = $2, run_at = $3, locked_at = NULL, locked_by = NULL,
		    last_error_code = $4, last_error_meta = $5, last_error = $6
		WHERE id = $1`,
		id, attempts+1, nextRun, string(code), jobs.MarshalMeta(meta), jobs.Truncate(message))
	return err
}

// ReleaseJob returns a claimed job to RETRYING without consuming an attempt.
// Used only when the fast-path budget expires before the handler finished: the
// caller's impatience must not spend the job's durable retry budget.
func (s *Store) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'RETRYING', run_at = $2, locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'RUNNING'`, id, now)
	return err
}

// CancelJob cancels a non-terminal unlocked job. Returns false when the job
// was already running or terminal.
func (s *Store) CancelJob(ctx context.Context, tenant, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'CANCELLED', completed_at = now()
		WHERE id = $1 AND tenant = $2 AND status IN ('PENDING', 'RETRYING') AND locked_at IS NULL`,
		id, tenant)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RunJobNow pulls a RETRYING job's next attempt forward to now, skipping the
// remaining backoff. Returns false when the job is not waiting on a retry.
func (s *Store) RunJobNow(ctx context.Context, tenant, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET run_at = $3
		WHERE id = $1 AND tenant = $2 AND status = 'RETRYING' AND locked_at IS NULL`,
		id, tenant, now)
	if err != nil {
		return false, fmt.Errorf("run job now: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetJob fetches a tenant's job by id.
func (s *Store) GetJob(ctx context.Context, tenant, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant = $2`, id, tenant)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobsParams filters the jobs read projection.
type ListJobsParams struct {
	Tenant string
	Status string
	Type   string
	Limit  int
}

// ListJobs returns the tenant's most recent jobs, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE tenant = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		p.Tenant, p.Status, p.Type, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// JobSummary counts jobs per status plus the oldest runnable backlog age.
func (s *Store) JobSummary(ctx context.Context, tenant string, now time.Time) (map[string]int64, time.Duration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE tenant = $1 GROUP BY status`, tenant)
	if err != nil {
		return nil, 0, fmt.Errorf("summarize jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var oldest pgtype.Timestamptz
	err = s.pool.QueryRow(ctx, `
		SELECT MIN(run_at) FROM jobs
		WHERE tenant = $1 AND status IN ('PENDING', 'RETRYING') AND run_at <= $2`,
		tenant, now).Scan(&oldest)
	if err != nil {
		return nil, 0, fmt.Errorf("oldest backlog: %w", err)
	}
	var backlog time.Duration
	if oldest.Valid {
		backlog = now.Sub(oldest.Time)
	}
	return counts, backlog, nil
}

// PendingDepth counts runnable jobs across all tenants, for metrics.
func (s *Store) PendingDepth(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status IN ('PENDING', 'RETRYING') AND run_at <= $1 AND locked_at IS NULL`, now).Scan(&n)
	return n, err
}

// PruneTerminalJobs deletes terminal jobs older than the retention window.
func (s *Store) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, a models.AuditLog) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		meta = nil
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (tenant, actor_user_id, action, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.Tenant, a.ActorUser, a.Action, a.EntityType, a.EntityID, meta)
	return err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, metaJSON []byte
	var lockedAt, completedAt pgtype.Timestamptz
	var lockedBy, dedupKey, errCode, lastErr, reqID, userID pgtype.Text

	err := row.Scan(
		&job.ID, &job.Tenant, &job.Type, &job.Status, &payloadJSON,
		&job.Attempts, &job.MaxAttempts, &job.RunAt,
		&lockedAt, &lockedBy, &dedupKey, &errCode, &metaJSON, &lastErr,
		&reqID, &userID, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &job.LastErrorMeta)
	}
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	job.LockedBy = textPtr(lockedBy)
	job.DedupKey = textPtr(dedupKey)
	job.LastErrorCode = textPtr(errCode)
	job.LastError = textPtr(lastErr)
	job.RequestID = textPtr(reqID)
	job.UserID = textPtr(userID)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
