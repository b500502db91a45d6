package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"review-responder/internal/config"
	"review-responder/internal/jobs"
	"review-responder/internal/models"
	"review-responder/internal/store"
	"review-responder/internal/upstream"
)

// Upstream keys for circuit breaking. One breaker per external system per
// tenant.
const (
	upstreamDraftService = "draft-service"
	upstreamPlatform     = "review-platform"
)

// Sync bounds: one SYNC_REVIEWS run walks at most maxSyncPages pages and
// enqueues at most maxAutoDrafts new drafting jobs. The next scheduled sync
// picks up the rest.
const (
	maxSyncPages  = 20
	maxAutoDrafts = 5
)

// Handlers implements the four job types against the store and the two
// upstream collaborators.
type Handlers struct {
	store    *store.Store
	platform upstream.ReviewPlatform
	drafts   upstream.DraftService
	log      *slog.Logger
	cfg      config.Config
}

// NewHandlers wires the handler set.
func NewHandlers(s *store.Store, platform upstream.ReviewPlatform, drafts upstream.DraftService,
	log *slog.Logger, cfg config.Config) *Handlers {
	return &Handlers{store: s, platform: platform, drafts: drafts, log: log, cfg: cfg}
}

// RegisterAll binds every job type on the processor.
func (h *Handlers) RegisterAll(p *Processor) {
	p.Register(models.TypeSyncLocations, h.SyncLocations)
	p.Register(models.TypeSyncReviews, h.SyncReviews)
	p.Register(models.TypeProcessReview, h.ProcessReview)
	p.Register(models.TypePostReply, h.PostReply)
}

func (h *Handlers) breakerPolicy() store.BreakerPolicy {
	return store.BreakerPolicy{
		FailuresToOpen:           h.cfg.BreakerFailuresToOpen,
		Window:                   h.cfg.BreakerWindow,
		OpenFor:                  h.cfg.BreakerOpenFor,
		HalfOpenSuccessesToClose: h.cfg.BreakerHalfOpenSuccessesToClose,
	}
}

// callGuarded runs one upstream call behind the tenant's circuit breaker.
// Only transient failures (timeouts, 429s, 5xx) count against the breaker;
// terminal 4xx responses mean the request was wrong, not the upstream.
func (h *Handlers) callGuarded(ctx context.Context, tenant, upstreamKey string, call func(ctx context.Context) error) error {
	now := time.Now().UTC()
	if err := h.store.BreakerPrecheck(ctx, tenant, upstreamKey, now); err != nil {
		return err
	}

	err := call(ctx)
	after := time.Now().UTC()
	if err == nil {
		if berr := h.store.BreakerRecordSuccess(ctx, tenant, upstreamKey, h.breakerPolicy(), after); berr != nil {
			h.log.Error("breaker success record failed", "upstream", upstreamKey, "error", berr)
		}
		return nil
	}
	if _, transient := jobs.AsTransient(err); transient {
		if berr := h.store.BreakerRecordFailure(ctx, tenant, upstreamKey, h.breakerPolicy(), after); berr != nil {
			h.log.Error("breaker failure record failed", "upstream", upstreamKey, "error", berr)
		}
	}
	return err
}

// SyncLocations refreshes the location projection from the platform.
func (h *Handlers) SyncLocations(ctx context.Context, job models.Job) error {
	var accounts []upstream.Account
	err := h.callGuarded(ctx, job.Tenant, upstreamPlatform, func(ctx context.Context) error {
		var cerr error
		accounts, cerr = h.platform.ListAccounts(ctx)
		return cerr
	})
	if err != nil {
		return err
	}

	total := 0
	for _, acct := range accounts {
		var locs []upstream.Location
		err := h.callGuarded(ctx, job.Tenant, upstreamPlatform, func(ctx context.Context) error {
			var cerr error
			locs, cerr = h.platform.ListLocations(ctx, acct.Name)
			return cerr
		})
		if err != nil {
			return err
		}
		for _, loc := range locs {
			_, err := h.store.UpsertLocation(ctx, models.Location{
				Tenant:            job.Tenant,
				PlatformAccountID: acct.Name,
				PlatformID:        loc.Name,
				DisplayName:       loc.Title,
			})
			if err != nil {
				return fmt.Errorf("upsert location %s: %w", loc.Name, err)
			}
			total++
		}
	}
	h.log.Info("locations synced", "tenant", job.Tenant, "count", total)
	return nil
}

// SyncReviews pulls review pages for one location, upserts the projection and
// enqueues AUTO drafting for a bounded number of new, unanswered reviews.
func (h *Handlers) SyncReviews(ctx context.Context, job models.Job) error {
	locationID := payloadString(job, "locationId")
	if locationID == "" {
		return jobs.Terminal(jobs.CodeBadRequest, "missing locationId", nil)
	}
	loc, err := h.store.GetLocation(ctx, job.Tenant, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Terminal(jobs.CodeNotFound, "location not found", map[string]any{"locationId": locationID})
	}
	if err != nil {
		return err
	}

	pageToken := ""
	drafted := 0
	seen := 0
	for page := 0; page < maxSyncPages; page++ {
		var reviews upstream.ReviewPage
		err := h.callGuarded(ctx, job.Tenant, upstreamPlatform, func(ctx context.Context) error {
			var cerr error
			reviews, cerr = h.platform.ListReviews(ctx, loc.PlatformID, pageToken)
			return cerr
		})
		if err != nil {
			return err
		}

		for _, pr := range reviews.Reviews {
			stored, isNew, err := h.store.UpsertReview(ctx, reviewFromPlatform(job.Tenant, loc.ID, pr))
			if err != nil {
				return fmt.Errorf("upsert review %s: %w", pr.Name, err)
			}
			seen++
			if drafted >= maxAutoDrafts || !autoDraftCandidate(stored, isNew) {
				continue
			}
			_, existed, err := h.store.EnqueueJob(ctx, store.EnqueueParams{
				Tenant: job.Tenant,
				Type:   models.TypeProcessReview,
				Payload: map[string]any{
					"reviewId": stored.ID,
					"mode":     models.ModeAuto,
				},
				DedupKey:    "auto:" + stored.ID,
				MaxAttempts: h.cfg.MaxAttempts,
			})
			if err != nil {
				return fmt.Errorf("enqueue auto draft: %w", err)
			}
			if !existed {
				drafted++
			}
		}

		pageToken = reviews.NextPageToken
		if pageToken == "" {
			break
		}
	}

	if err := h.store.MarkLocationSynced(ctx, loc.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark location synced: %w", err)
	}
	h.log.Info("reviews synced", "tenant", job.Tenant, "location_id", loc.ID,
		"reviews", seen, "auto_drafts", drafted)
	return nil
}

// ProcessReview generates or verifies a draft reply for one review.
func (h *Handlers) ProcessReview(ctx context.Context, job models.Job) error {
	reviewID := payloadString(job, "reviewId")
	if reviewID == "" {
		return jobs.Terminal(jobs.CodeBadRequest, "missing reviewId", nil)
	}
	mode := payloadString(job, "mode")
	if mode == "" {
		mode = models.ModeAuto
	}

	review, err := h.store.GetReview(ctx, job.Tenant, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Terminal(jobs.CodeNotFound, "review not found", map[string]any{"reviewId": reviewID})
	}
	if err != nil {
		return err
	}

	if review.PlatformReply != nil {
		// An AUTO job racing a manual reply is not an error, just obsolete.
		if mode == models.ModeAuto {
			return nil
		}
		return jobs.Terminal(jobs.CodeAlreadyReplied, "review already has a reply", nil)
	}

	req := upstream.DraftRequest{
		Tenant:     job.Tenant,
		ReviewID:   review.ID,
		Mode:       mode,
		StarRating: review.StarRating,
	}
	if review.Comment != nil {
		req.ReviewComment = *review.Comment
	}
	if job.RequestID != nil {
		req.RequestID = *job.RequestID
	}

	var candidate models.DraftReply
	if mode == models.ModeVerifyExistingDraft {
		draftID := payloadString(job, "draftReplyId")
		if draftID == "" {
			return jobs.Terminal(jobs.CodeBadRequest, "missing draftReplyId for verification", nil)
		}
		candidate, err = h.store.GetDraft(ctx, job.Tenant, draftID)
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Terminal(jobs.CodeNoDraft, "draft not found", map[string]any{"draftReplyId": draftID})
		}
		if err != nil {
			return err
		}
		if candidate.ReviewID != review.ID {
			return jobs.Terminal(jobs.CodeBadRequest, "draft does not belong to review", nil)
		}
		req.Candidate = &candidate.Text
	}

	// Generation cools down per review; verification per draft. A regenerate
	// immediately after verifying a different draft is allowed.
	scope := store.CooldownScopeGenerate
	cooldown := h.cfg.CooldownGenerate
	cooldownKey := review.ID
	if mode == models.ModeVerifyExistingDraft {
		scope = store.CooldownScopeVerify
		cooldown = h.cfg.CooldownVerify
		cooldownKey = candidate.ID
	}
	if err := h.store.CheckCooldown(ctx, job.Tenant, scope, cooldownKey, time.Now().UTC()); err != nil {
		return err
	}

	bypass := payloadBool(job, "budgetOverride")
	if err := h.store.ConsumeDailyBudget(ctx, job.Tenant, store.BudgetScopeAI, h.cfg.AIDailyBudget, time.Now().UTC(), bypass); err != nil {
		return err
	}

	var result upstream.DraftResult
	err = h.callGuarded(ctx, job.Tenant, upstreamDraftService, func(ctx context.Context) error {
		var cerr error
		result, cerr = h.drafts.ProcessReview(ctx, req)
		return cerr
	})
	if err != nil {
		return err
	}

	if mode == models.ModeVerifyExistingDraft {
		status := models.DraftRejected
		if result.Decision == models.DraftReady {
			status = models.DraftReady
		}
		if err := h.store.UpdateDraftStatus(ctx, candidate.ID, status); err != nil {
			return fmt.Errorf("update draft status: %w", err)
		}
	} else {
		status := models.DraftReady
		if result.Decision == models.DraftRejected {
			status = models.DraftRejected
		}
		draft, err := h.store.CreateDraft(ctx, job.Tenant, review.ID, result.DraftText, status)
		if err != nil {
			return fmt.Errorf("create draft: %w", err)
		}
		h.log.Info("draft created", "tenant", job.Tenant, "review_id", review.ID,
			"draft_id", draft.ID, "version", draft.Version, "status", status, "model", result.Model)
	}

	if err := h.store.SetCooldown(ctx, job.Tenant, scope, cooldownKey, cooldown, time.Now().UTC()); err != nil {
		h.log.Error("set cooldown failed", "review_id", review.ID, "error", err)
	}
	return nil
}

// PostReply posts a READY draft to the platform. Every safety check runs again
// here: the job may execute long after it was enqueued, and at-least-once
// delivery means it may execute twice.
func (h *Handlers) PostReply(ctx context.Context, job models.Job) error {
	reviewID := payloadString(job, "reviewId")
	draftID := payloadString(job, "draftReplyId")
	if reviewID == "" || draftID == "" {
		return jobs.Terminal(jobs.CodeBadRequest, "missing reviewId or draftReplyId", nil)
	}

	review, err := h.store.GetReview(ctx, job.Tenant, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Terminal(jobs.CodeNotFound, "review not found", map[string]any{"reviewId": reviewID})
	}
	if err != nil {
		return err
	}
	draft, err := h.store.GetDraft(ctx, job.Tenant, draftID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Terminal(jobs.CodeNoDraft, "draft not found", map[string]any{"draftReplyId": draftID})
	}
	if err != nil {
		return err
	}
	if err := replyGate(review, draft); err != nil {
		return err
	}

	if err := h.store.ConsumeDailyBudget(ctx, job.Tenant, store.BudgetScopePost, h.cfg.PostDailyBudget, time.Now().UTC(), false); err != nil {
		return err
	}

	// Re-check the platform itself: a reply posted out of band (or by a
	// previous attempt of this very job whose completion write was lost)
	// must never be overwritten.
	var remote upstream.Review
	err = h.callGuarded(ctx, job.Tenant, upstreamPlatform, func(ctx context.Context) error {
		var cerr error
		remote, cerr = h.platform.GetReview(ctx, review.PlatformName)
		return cerr
	})
	if err != nil {
		return err
	}
	if remote.Reply != nil {
		at := time.Now().UTC()
		if remote.Reply.UpdateTime != nil {
			at = *remote.Reply.UpdateTime
		}
		if serr := h.store.SetReviewReply(ctx, review.ID, remote.Reply.Comment, at); serr != nil {
			h.log.Error("record remote reply failed", "review_id", review.ID, "error", serr)
		}
		return jobs.Terminal(jobs.CodeAlreadyReplied, "reply already exists on platform", nil)
	}

	var snap upstream.ReplySnapshot
	err = h.callGuarded(ctx, job.Tenant, upstreamPlatform, func(ctx context.Context) error {
		var cerr error
		snap, cerr = h.platform.PostReply(ctx, review.PlatformName, draft.Text)
		return cerr
	})
	if err != nil {
		return err
	}

	postedAt := time.Now().UTC()
	if snap.UpdateTime != nil {
		postedAt = *snap.UpdateTime
	}
	if err := h.store.SetReviewReply(ctx, review.ID, draft.Text, postedAt); err != nil {
		return fmt.Errorf("record posted reply: %w", err)
	}
	if err := h.store.UpdateDraftStatus(ctx, draft.ID, models.DraftPosted); err != nil {
		return fmt.Errorf("mark draft posted: %w", err)
	}

	actor := payloadString(job, "actorUserId")
	if err := h.store.AppendAudit(ctx, models.AuditLog{
		Tenant:     job.Tenant,
		ActorUser:  actor,
		Action:     "reply.posted",
		EntityType: "review",
		EntityID:   review.ID,
		Metadata:   map[string]any{"draftReplyId": draft.ID, "jobId": job.ID},
	}); err != nil {
		h.log.Error("audit append failed", "review_id", review.ID, "error", err)
	}

	h.log.Info("reply posted", "tenant", job.Tenant, "review_id", review.ID, "draft_id", draft.ID)
	return nil
}

// replyGate validates a (review, draft) pair immediately before posting.
// Checks run from most to least decisive.
func replyGate(review models.Review, draft models.DraftReply) error {
	if review.PlatformReply != nil {
		return jobs.Terminal(jobs.CodeAlreadyReplied, "review already has a reply", nil)
	}
	if draft.ReviewID != review.ID {
		return jobs.Terminal(jobs.CodeBadRequest, "draft does not belong to review", nil)
	}
	if review.CurrentDraftID == nil || *review.CurrentDraftID != draft.ID {
		return jobs.Terminal(jobs.CodeDraftStale, "a newer draft supersedes this one", nil)
	}
	if draft.Status != models.DraftReady {
		return jobs.Terminal(jobs.CodeDraftNotReady, "draft is not approved for posting",
			map[string]any{"status": draft.Status})
	}
	if utf8.RuneCountInString(draft.Text) > models.MaxReplyChars {
		return jobs.Terminal(jobs.CodeBadRequest, "reply exceeds platform length limit",
			map[string]any{"maxChars": models.MaxReplyChars})
	}
	return nil
}

// autoDraftCandidate reports whether a just-synced review should get an AUTO
// drafting job: newly seen, unanswered, and with text to respond to.
func autoDraftCandidate(r models.Review, isNew bool) bool {
	return isNew && r.PlatformReply == nil && r.Comment != nil && *r.Comment != ""
}

func reviewFromPlatform(tenant, locationID string, pr upstream.Review) models.Review {
	r := models.Review{
		Tenant:       tenant,
		LocationID:   locationID,
		PlatformName: pr.Name,
		StarRating:   pr.StarRating,
		CreateTime:   pr.CreateTime,
	}
	if pr.Comment != "" {
		r.Comment = &pr.Comment
	}
	if pr.Reply != nil {
		r.PlatformReply = &pr.Reply.Comment
		r.PlatformReplyAt = pr.Reply.UpdateTime
	}
	return r
}

func payloadString(job models.Job, key string) string {
	if job.Payload == nil {
		return ""
	}
	s, _ := job.Payload[key].(string)
	return s
}

func payloadBool(job models.Job, key string) bool {
	switch v := job.Payload[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
