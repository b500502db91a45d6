package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"review-responder/internal/models"
	"review-responder/internal/store"
)

// JobView is the externally visible job shape. Payloads are reduced to the
// per-type allow-list and lock bookkeeping stays internal.
type JobView struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"maxAttempts"`
	RunAt         time.Time      `json:"runAt"`
	LastErrorCode *string        `json:"lastErrorCode,omitempty"`
	LastErrorMeta map[string]any `json:"lastErrorMeta,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

func jobView(j models.Job) JobView {
	return JobView{
		ID:            j.ID,
		Type:          j.Type,
		Status:        j.Status,
		Payload:       models.RedactPayload(j.Type, j.Payload),
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		RunAt:         j.RunAt,
		LastErrorCode: j.LastErrorCode,
		LastErrorMeta: j.LastErrorMeta,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	status := q.Get("status")
	if status != "" && !validStatusFilter(status) {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
		return
	}
	jobType := q.Get("type")
	if jobType != "" && !models.ValidType(jobType) {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown type filter")
		return
	}

	list, err := s.store.ListJobs(r.Context(), store.ListJobsParams{
		Tenant: tenantFrom(r.Context()),
		Status: status,
		Type:   jobType,
		Limit:  limit,
	})
	if err != nil {
		s.internalError(w, r, "list jobs", err)
		return
	}

	views := make([]JobView, 0, len(list))
	for _, j := range list {
		views = append(views, jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job)})
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	now := time.Now().UTC()

	counts, backlog, err := s.store.JobSummary(ctx, tenant, now)
	if err != nil {
		s.internalError(w, r, "summarize jobs", err)
		return
	}
	aiUsed, err := s.store.BudgetUsed(ctx, tenant, store.BudgetScopeAI, now)
	if err != nil {
		s.internalError(w, r, "read ai budget", err)
		return
	}
	postUsed, err := s.store.BudgetUsed(ctx, tenant, store.BudgetScopePost, now)
	if err != nil {
		s.internalError(w, r, "read post budget", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"counts":           counts,
		"oldestBacklogSec": int(backlog.Seconds()),
		"aiBudgetUsed":     aiUsed,
		"aiBudgetLimit":    s.cfg.AIDailyBudget,
		"postBudgetUsed":   postUsed,
		"postBudgetLimit":  s.cfg.PostDailyBudget,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	jobID := chi.URLParam(r, "jobID")

	cancelled, err := s.store.CancelJob(ctx, tenant, jobID)
	if err != nil {
		s.internalError(w, r, "cancel job", err)
		return
	}
	if !cancelled {
		job, err := s.store.GetJob(ctx, tenant, jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found")
			return
		}
		if err != nil {
			s.internalError(w, r, "get job", err)
			return
		}
		writeError(w, r, http.StatusConflict, ErrCodeConflict, "job is "+job.Status+" and cannot be cancelled")
		return
	}

	job, err := s.store.GetJob(ctx, tenant, jobID)
	if err != nil {
		s.internalError(w, r, "get job", err)
		return
	}
	if s.bus != nil {
		_ = s.bus.PublishJob(ctx, job)
	}
	if err := s.store.AppendAudit(ctx, models.AuditLog{
		Tenant:     tenant,
		ActorUser:  userFrom(ctx),
		Action:     "job.cancelled",
		EntityType: "job",
		EntityID:   job.ID,
		Metadata:   map[string]any{"type": job.Type},
	}); err != nil {
		s.log.Error("audit append failed", "job_id", job.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job)})
}

// handleRetryJob re-runs a job. A RETRYING job has its backoff skipped; a
// FAILED one gets a fresh job with the same payload, since terminal rows are
// never reopened.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(ctx, tenant, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get job", err)
		return
	}

	switch job.Status {
	case models.StatusRetrying:
		if _, err := s.store.RunJobNow(ctx, tenant, jobID, time.Now().UTC()); err != nil {
			s.internalError(w, r, "retry job now", err)
			return
		}
		job, err = s.store.GetJob(ctx, tenant, jobID)
		if err != nil {
			s.internalError(w, r, "get job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": jobView(job)})

	case models.StatusFailed:
		dedup := ""
		if job.DedupKey != nil {
			dedup = *job.DedupKey
		}
		fresh, existed, err := s.store.EnqueueJob(ctx, store.EnqueueParams{
			Tenant:      tenant,
			Type:        job.Type,
			Payload:     job.Payload,
			DedupKey:    dedup,
			MaxAttempts: job.MaxAttempts,
			RequestID:   requestIDFrom(ctx),
			UserID:      userFrom(ctx),
		})
		if err != nil {
			s.internalError(w, r, "re-enqueue failed job", err)
			return
		}
		s.countEnqueue(existed)
		writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(fresh), "deduplicated": existed})

	default:
		writeError(w, r, http.StatusConflict, ErrCodeConflict, "job is "+job.Status+" and cannot be retried")
	}
}

func validStatusFilter(status string) bool {
	switch status {
	case models.StatusPending, models.StatusRunning, models.StatusRetrying,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return true
	}
	return false
}
