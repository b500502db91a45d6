package worker

import (
	"context"
	"log/slog"
	"time"

	"review-responder/internal/models"
	"review-responder/internal/store"
)

// Scheduler enqueues periodic background work and prunes aged rows. It is
// safe to run on every worker instance: enqueue dedup keys collapse duplicate
// syncs and pruning is idempotent.
type Scheduler struct {
	store *store.Store
	log   *slog.Logger

	interval      time.Duration
	syncStaleness time.Duration
	pruneInterval time.Duration
	jobRetention  time.Duration
	maxAttempts   int
}

func NewScheduler(s *store.Store, log *slog.Logger,
	interval, syncStaleness, pruneInterval, jobRetention time.Duration, maxAttempts int) *Scheduler {
	return &Scheduler{
		store:         s,
		log:           log,
		interval:      interval,
		syncStaleness: syncStaleness,
		pruneInterval: pruneInterval,
		jobRetention:  jobRetention,
		maxAttempts:   maxAttempts,
	}
}

// Run ticks until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) {
	syncTicker := time.NewTicker(sc.interval)
	pruneTicker := time.NewTicker(sc.pruneInterval)
	defer syncTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			sc.enqueueStaleSyncs(ctx)
		case <-pruneTicker.C:
			sc.prune(ctx)
		}
	}
}

// enqueueStaleSyncs schedules SYNC_REVIEWS for enabled locations whose last
// sync is older than the staleness window. The per-location dedup key means a
// still-queued or running sync suppresses a new one.
func (sc *Scheduler) enqueueStaleSyncs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sc.syncStaleness)
	locations, err := sc.store.StaleLocations(ctx, cutoff, 50)
	if err != nil {
		sc.log.Error("stale location scan failed", "error", err)
		return
	}
	for _, loc := range locations {
		_, existed, err := sc.store.EnqueueJob(ctx, store.EnqueueParams{
			Tenant:      loc.Tenant,
			Type:        models.TypeSyncReviews,
			Payload:     map[string]any{"locationId": loc.ID},
			DedupKey:    "loc:" + loc.ID,
			MaxAttempts: sc.maxAttempts,
		})
		if err != nil {
			sc.log.Error("scheduled sync enqueue failed", "location_id", loc.ID, "error", err)
			continue
		}
		if !existed {
			sc.log.Info("scheduled reviews sync", "tenant", loc.Tenant, "location_id", loc.ID)
		}
	}
}

func (sc *Scheduler) prune(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := sc.store.PruneTerminalJobs(ctx, now.Add(-sc.jobRetention)); err != nil {
		sc.log.Error("job prune failed", "error", err)
	} else if n > 0 {
		sc.log.Info("pruned terminal jobs", "count", n)
	}

	if n, err := sc.store.DeleteExpiredIdempotencyRecords(ctx, now); err != nil {
		sc.log.Error("idempotency prune failed", "error", err)
	} else if n > 0 {
		sc.log.Info("pruned idempotency records", "count", n)
	}

	if n, err := sc.store.PruneRateLimitWindows(ctx, now); err != nil {
		sc.log.Error("rate limit prune failed", "error", err)
	} else if n > 0 {
		sc.log.Info("pruned rate limit windows", "count", n)
	}
}
