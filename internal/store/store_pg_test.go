package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"review-responder/internal/models"
	"review-responder/internal/telemetry"
)

// testStore connects to the database named by TEST_POSTGRES_DSN and runs the
// migrations. Tests that need it skip when the variable is unset, so the
// pure-logic suite stays runnable without infrastructure.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// claimByID drains due jobs with ClaimJobs until the wanted id shows up or
// nothing is left to claim. Each test uses a fresh tenant, so draining other
// rows is harmless.
func claimByID(t *testing.T, s *Store, workerID string, staleAfter time.Duration, id string) (models.Job, bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		claimed, err := s.ClaimJobs(ctx, 25, workerID, staleAfter, time.Now().UTC())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) == 0 {
			return models.Job{}, false
		}
		for _, j := range claimed {
			if j.ID == id {
				return j, true
			}
		}
	}
	return models.Job{}, false
}

func TestEnqueueDedupCollapsesConcurrentCalls(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.New().String()

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]bool{}
	inserts := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, reused, err := s.EnqueueJob(ctx, EnqueueParams{
				Tenant:   tenant,
				Type:     "POST_REPLY",
				DedupKey: "review:R1:post",
			})
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			mu.Lock()
			ids[job.ID] = true
			if !reused {
				inserts++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one job id across %d callers, got %d: %v", callers, len(ids), ids)
	}
	if inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserts)
	}
}

func TestEnqueueDedupReopensAfterTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.New().String()
	params := EnqueueParams{Tenant: tenant, Type: "SYNC_REVIEWS", DedupKey: "loc:L1"}

	first, _, err := s.EnqueueJob(ctx, params)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.CompleteJob(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, reused, err := s.EnqueueJob(ctx, params)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if reused || second.ID == first.ID {
		t.Fatalf("terminal job must not absorb a new enqueue: reused=%v id=%s", reused, second.ID)
	}
}

func TestStaleLockReclaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.New().String()
	staleAfter := 15 * time.Minute

	job, _, err := s.EnqueueJob(ctx, EnqueueParams{Tenant: tenant, Type: "POST_REPLY", DedupKey: "review:R2:post"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, ok := claimByID(t, s, "worker-1", staleAfter, job.ID)
	if !ok {
		t.Fatal("first claimer never saw the job")
	}
	if claimed.Status != models.StatusRunning || claimed.LockedBy == nil || *claimed.LockedBy != "worker-1" {
		t.Fatalf("claim left job in %s locked_by %v", claimed.Status, claimed.LockedBy)
	}

	if _, ok := claimByID(t, s, "worker-2", staleAfter, job.ID); ok {
		t.Fatal("fresh RUNNING lock was double-claimed")
	}

	// Simulate a crashed worker by aging the lock past the threshold.
	if _, err := s.pool.Exec(ctx, `UPDATE jobs SET locked_at = $2 WHERE id = $1`,
		job.ID, time.Now().UTC().Add(-staleAfter-time.Minute)); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	reclaimed, ok := claimByID(t, s, "worker-2", staleAfter, job.ID)
	if !ok {
		t.Fatal("stale lock was not reclaimable")
	}
	if reclaimed.LockedBy == nil || *reclaimed.LockedBy != "worker-2" {
		t.Fatalf("reclaim kept the old lock identity: %v", reclaimed.LockedBy)
	}
}

func TestIdempotencyReplayRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	scope := IdempotencyScope{
		Tenant: "t-" + uuid.New().String(),
		UserID: "u1",
		Method: "POST",
		Path:   "/api/reviews/r1/reply/post",
	}
	key := uuid.New().String()
	body := `{"ok":true,"job":{"id":"j1"}}`

	inserted, err := s.BeginIdempotency(ctx, scope, key, "hash-a", "req-1", time.Hour)
	if err != nil || !inserted {
		t.Fatalf("begin: inserted=%v err=%v", inserted, err)
	}
	if inserted, err = s.BeginIdempotency(ctx, scope, key, "hash-a", "req-2", time.Hour); err != nil || inserted {
		t.Fatalf("duplicate begin must lose the insert race: inserted=%v err=%v", inserted, err)
	}

	if err := s.FinalizeIdempotency(ctx, scope, key, 202, body); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec, found, err := s.FindIdempotencyRecord(ctx, scope, key)
	if err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	if rec.ResponseStatus == nil || *rec.ResponseStatus != 202 {
		t.Fatalf("stored status lost: %v", rec.ResponseStatus)
	}
	if rec.ResponseBody == nil || *rec.ResponseBody != body {
		t.Fatalf("stored body not byte-identical: %v", rec.ResponseBody)
	}
	if rec.RequestID != "req-1" {
		t.Fatalf("first attempt's request id must survive replay, got %q", rec.RequestID)
	}
}

func TestUpsertLocationStartsDisabled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.New().String()

	id, err := s.UpsertLocation(ctx, models.Location{
		Tenant:            tenant,
		PlatformAccountID: "accounts/a1",
		PlatformID:        "locations/l1",
		DisplayName:       "Main St",
		Enabled:           true, // must be ignored
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var enabled bool
	if err := s.pool.QueryRow(ctx, `SELECT enabled FROM locations WHERE id = $1`, id).Scan(&enabled); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if enabled {
		t.Fatal("new locations must start disabled")
	}
}

func TestBreakerPrecheckFailsFastAndCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.New().String()
	now := time.Now().UTC()
	policy := BreakerPolicy{
		FailuresToOpen:           2,
		Window:                   10 * time.Minute,
		OpenFor:                  time.Minute,
		HalfOpenSuccessesToClose: 1,
	}

	for i := 0; i < policy.FailuresToOpen; i++ {
		if err := s.BreakerRecordFailure(ctx, tenant, "draft-service", policy, now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	before := testutil.ToFloat64(telemetry.BreakerRejects)
	if err := s.BreakerPrecheck(ctx, tenant, "draft-service", now); err == nil {
		t.Fatal("open breaker must fail fast")
	}
	if got := testutil.ToFloat64(telemetry.BreakerRejects); got != before+1 {
		t.Fatalf("reject counter not incremented: before=%v after=%v", before, got)
	}
}
