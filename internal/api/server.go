// Package api is the HTTP surface: mutation endpoints guarded by the
// idempotency gateway and rate limiter, and a read-only jobs projection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"review-responder/internal/config"
	"review-responder/internal/events"
	"review-responder/internal/jobs"
	"review-responder/internal/models"
	"review-responder/internal/store"
	"review-responder/internal/telemetry"
	"review-responder/internal/worker"
)

// Server wires the HTTP handlers to their dependencies.
type Server struct {
	store *store.Store
	bus   *events.Bus
	proc  *worker.Processor
	log   *slog.Logger
	cfg   config.Config
}

func NewServer(s *store.Store, bus *events.Bus, proc *worker.Processor, log *slog.Logger, cfg config.Config) *Server {
	return &Server{store: s, bus: bus, proc: proc, log: log, cfg: cfg}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withRequestID)
	r.Use(withBodyLimit)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(withIdentity)

		// Idempotency resolves first so a replayed response never burns
		// rate-limit quota; only first attempts reach the limiter.
		mutate := func(h http.HandlerFunc) http.HandlerFunc {
			return s.idempotent(s.rateLimited(rateScopeMutate, s.cfg.RateLimitMutatePerMinute, h))
		}
		admin := func(h http.HandlerFunc) http.HandlerFunc {
			return s.idempotent(s.rateLimited(rateScopeAdmin, s.cfg.RateLimitAdminPerMinute, h))
		}

		r.Post("/reviews/{reviewID}/drafts/generate", mutate(s.handleGenerateDraft))
		r.Post("/reviews/{reviewID}/drafts/verify", mutate(s.handleVerifyDraft))
		r.Post("/reviews/{reviewID}/reply/post", mutate(s.handlePostReply))

		r.Post("/sync/locations", admin(s.handleSyncLocations))
		r.Post("/sync/reviews", admin(s.handleSyncReviews))
		r.Post("/worker/run", s.rateLimited(rateScopeAdmin, s.cfg.RateLimitAdminPerMinute, s.handleWorkerRun))

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/summary", s.handleJobSummary)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
		r.Post("/jobs/{jobID}/cancel", s.rateLimited(rateScopeAdmin, s.cfg.RateLimitAdminPerMinute, s.handleCancelJob))
		r.Post("/jobs/{jobID}/retry", s.rateLimited(rateScopeAdmin, s.cfg.RateLimitAdminPerMinute, s.handleRetryJob))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeInternal, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateDraftRequest struct {
	Mode           string `json:"mode,omitempty"`
	BudgetOverride bool   `json:"budgetOverride,omitempty"`
}

func (s *Server) handleGenerateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	reviewID := chi.URLParam(r, "reviewID")

	var body generateDraftRequest
	if !decodeBody(w, r, &body) {
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = models.ModeManualRegenerate
	}
	if mode != models.ModeAuto && mode != models.ModeManualRegenerate {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unsupported mode")
		return
	}

	review, err := s.store.GetReview(ctx, tenant, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "review not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "load review", err)
		return
	}
	if review.PlatformReply != nil {
		writeError(w, r, http.StatusConflict, ErrCodeConflict, "review already has a reply")
		return
	}

	payload := map[string]any{"reviewId": review.ID, "mode": mode}
	override := body.BudgetOverride || r.Header.Get("X-Budget-Override") == "true"
	if override {
		payload["budgetOverride"] = true
	}

	s.enqueueAndRunInline(w, r, store.EnqueueParams{
		Tenant:      tenant,
		Type:        models.TypeProcessReview,
		Payload:     payload,
		DedupKey:    "draft:" + review.ID,
		MaxAttempts: s.cfg.MaxAttempts,
		RequestID:   requestIDFrom(ctx),
		UserID:      userFrom(ctx),
	})
}

type verifyDraftRequest struct {
	DraftReplyID string `json:"draftReplyId"`
}

func (s *Server) handleVerifyDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	reviewID := chi.URLParam(r, "reviewID")

	var body verifyDraftRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DraftReplyID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "draftReplyId is required")
		return
	}

	review, err := s.store.GetReview(ctx, tenant, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "review not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "load review", err)
		return
	}

	draft, err := s.store.GetDraft(ctx, tenant, body.DraftReplyID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "draft not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "load draft", err)
		return
	}
	if draft.ReviewID != review.ID {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "draft does not belong to review")
		return
	}

	s.enqueueAndRunInline(w, r, store.EnqueueParams{
		Tenant: tenant,
		Type:   models.TypeProcessReview,
		Payload: map[string]any{
			"reviewId":     review.ID,
			"mode":         models.ModeVerifyExistingDraft,
			"draftReplyId": draft.ID,
		},
		DedupKey:    "verify:" + draft.ID,
		MaxAttempts: s.cfg.MaxAttempts,
		RequestID:   requestIDFrom(ctx),
		UserID:      userFrom(ctx),
	})
}

type postReplyRequest struct {
	DraftReplyID string `json:"draftReplyId"`
}

func (s *Server) handlePostReply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	reviewID := chi.URLParam(r, "reviewID")

	var body postReplyRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DraftReplyID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "draftReplyId is required")
		return
	}

	review, err := s.store.GetReview(ctx, tenant, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "review not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "load review", err)
		return
	}
	if review.PlatformReply != nil {
		writeError(w, r, http.StatusConflict, ErrCodeConflict, "review already has a reply")
		return
	}

	// Posting is fire-once: a reply that may or may not have reached the
	// platform must never be retried blindly. One attempt, and a fast-path
	// timeout is terminal.
	s.enqueueAndRunInline(w, r, store.EnqueueParams{
		Tenant: tenant,
		Type:   models.TypePostReply,
		Payload: map[string]any{
			"reviewId":     review.ID,
			"draftReplyId": body.DraftReplyID,
			"actorUserId":  userFrom(ctx),
		},
		DedupKey:    "post:" + review.ID,
		MaxAttempts: 1,
		RequestID:   requestIDFrom(ctx),
		UserID:      userFrom(ctx),
	})
}

func (s *Server) handleSyncLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	job, existed, err := s.store.EnqueueJob(ctx, store.EnqueueParams{
		Tenant:      tenant,
		Type:        models.TypeSyncLocations,
		DedupKey:    "locations:" + tenant,
		MaxAttempts: s.cfg.MaxAttempts,
		RequestID:   requestIDFrom(ctx),
		UserID:      userFrom(ctx),
	})
	if err != nil {
		s.internalError(w, r, "enqueue location sync", err)
		return
	}
	s.countEnqueue(existed)
	s.auditEnqueue(ctx, job, existed)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(job), "deduplicated": existed})
}

type syncReviewsRequest struct {
	LocationID string `json:"locationId"`
}

func (s *Server) handleSyncReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	var body syncReviewsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.LocationID == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "locationId is required")
		return
	}
	if _, err := s.store.GetLocation(ctx, tenant, body.LocationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "location not found")
			return
		}
		s.internalError(w, r, "load location", err)
		return
	}

	job, existed, err := s.store.EnqueueJob(ctx, store.EnqueueParams{
		Tenant:      tenant,
		Type:        models.TypeSyncReviews,
		Payload:     map[string]any{"locationId": body.LocationID},
		DedupKey:    "loc:" + body.LocationID,
		MaxAttempts: s.cfg.MaxAttempts,
		RequestID:   requestIDFrom(ctx),
		UserID:      userFrom(ctx),
	})
	if err != nil {
		s.internalError(w, r, "enqueue reviews sync", err)
		return
	}
	s.countEnqueue(existed)
	s.auditEnqueue(ctx, job, existed)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(job), "deduplicated": existed})
}

// handleWorkerRun drains one claim batch on demand. Deployments without a
// standing worker process (or tests) drive the queue through this.
func (s *Server) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	n, err := s.proc.RunOnce(r.Context())
	if err != nil {
		s.internalError(w, r, "run worker batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": n})
}

// enqueueAndRunInline enqueues the job and immediately attempts it on the
// fast path. A deduplicated enqueue skips the inline run: the original
// executor owns the job.
func (s *Server) enqueueAndRunInline(w http.ResponseWriter, r *http.Request, params store.EnqueueParams) {
	ctx := r.Context()
	job, existed, err := s.store.EnqueueJob(ctx, params)
	if err != nil {
		s.internalError(w, r, "enqueue job", err)
		return
	}
	s.countEnqueue(existed)
	if existed {
		writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(job), "deduplicated": true})
		return
	}

	res, err := s.proc.ExecuteInline(ctx, job.ID, job.Tenant, job.Type)
	if err != nil {
		s.internalError(w, r, "inline execution", err)
		return
	}

	// A completed inline run is a plain success. A terminal failure surfaces
	// the taxonomy code as the HTTP status; anything still queued is 202.
	status := http.StatusAccepted
	switch {
	case res.Job.Status == models.StatusCompleted:
		status = http.StatusOK
	case res.Job.Status == models.StatusFailed && res.Job.LastErrorCode != nil:
		status = statusForJobError(jobs.Code(*res.Job.LastErrorCode))
	}
	writeJSON(w, status, map[string]any{"job": jobView(res.Job), "timedOut": res.TimedOut})
}

func (s *Server) auditEnqueue(ctx context.Context, job models.Job, existed bool) {
	if existed {
		return
	}
	if err := s.store.AppendAudit(ctx, models.AuditLog{
		Tenant:     job.Tenant,
		ActorUser:  userFrom(ctx),
		Action:     "sync.requested",
		EntityType: "job",
		EntityID:   job.ID,
		Metadata:   map[string]any{"type": job.Type},
	}); err != nil {
		s.log.Error("audit append failed", "job_id", job.ID, "error", err)
	}
}

func (s *Server) countEnqueue(existed bool) {
	if existed {
		telemetry.EnqueueDeduped.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	s.log.Error(what+" failed", "error", err, "request_id", requestIDFrom(r.Context()))
	writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}

// decodeBody parses an optional JSON body. Empty bodies decode to the zero
// request; malformed JSON is a client error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed JSON body")
	return false
}

// statusForJobError maps taxonomy codes surfaced through job state onto HTTP.
func statusForJobError(code jobs.Code) int {
	switch code {
	case jobs.CodeNotFound:
		return http.StatusNotFound
	case jobs.CodeForbidden:
		return http.StatusForbidden
	case jobs.CodeAlreadyReplied, jobs.CodeDraftStale, jobs.CodeCooldownActive:
		return http.StatusConflict
	case jobs.CodeBadRequest, jobs.CodeDraftNotReady, jobs.CodeNoDraft:
		return http.StatusUnprocessableEntity
	case jobs.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
