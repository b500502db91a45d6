package store

import (
	"testing"
	"time"
)

var testPolicy = BreakerPolicy{
	FailuresToOpen:           3,
	Window:                   10 * time.Minute,
	OpenFor:                  time.Minute,
	HalfOpenSuccessesToClose: 2,
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	row := BreakerRow{State: BreakerClosed}

	for i := 0; i < 2; i++ {
		row = breakerAfterFailure(testPolicy, row, now)
		if row.State != BreakerClosed {
			t.Fatalf("opened early after %d failures", i+1)
		}
	}
	row = breakerAfterFailure(testPolicy, row, now)
	if row.State != BreakerOpen {
		t.Fatalf("expected OPEN after %d failures, got %s", testPolicy.FailuresToOpen, row.State)
	}
	if rejects, retryAfter := breakerRejects(row, now); !rejects || retryAfter < 1 {
		t.Fatalf("open breaker should reject: rejects=%v retryAfter=%d", rejects, retryAfter)
	}
}

func TestBreakerWindowResets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	row := breakerAfterFailure(testPolicy, BreakerRow{State: BreakerClosed}, now)
	row = breakerAfterFailure(testPolicy, row, now)

	// Third failure lands outside the rolling window, so the count restarts.
	later := now.Add(testPolicy.Window + time.Second)
	row = breakerAfterFailure(testPolicy, row, later)
	if row.State != BreakerClosed || row.WindowFailures != 1 {
		t.Fatalf("expected fresh window with one failure, got %s/%d", row.State, row.WindowFailures)
	}
}

func TestBreakerHalfOpenAfterCooloff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	row := BreakerRow{State: BreakerClosed}
	for i := 0; i < testPolicy.FailuresToOpen; i++ {
		row = breakerAfterFailure(testPolicy, row, now)
	}

	afterCooloff := now.Add(testPolicy.OpenFor + time.Second)
	if rejects, _ := breakerRejects(row, afterCooloff); rejects {
		t.Fatal("expired open window must let a probe through")
	}

	row = breakerAfterSuccess(testPolicy, row, afterCooloff)
	if row.State != BreakerHalfOpen || row.HalfOpenSuccesses != 1 {
		t.Fatalf("expected HALF_OPEN with one success, got %s/%d", row.State, row.HalfOpenSuccesses)
	}

	row = breakerAfterSuccess(testPolicy, row, afterCooloff)
	if row.State != BreakerClosed {
		t.Fatalf("expected CLOSED after %d probe successes, got %s", testPolicy.HalfOpenSuccessesToClose, row.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	row := BreakerRow{State: BreakerHalfOpen, HalfOpenSuccesses: 1}

	row = breakerAfterFailure(testPolicy, row, now)
	if row.State != BreakerOpen {
		t.Fatalf("half-open failure must reopen, got %s", row.State)
	}
	if row.OpenUntil == nil || !row.OpenUntil.After(now) {
		t.Fatal("reopened breaker needs a fresh open deadline")
	}
	if row.HalfOpenSuccesses != 0 {
		t.Fatalf("probe successes should reset, got %d", row.HalfOpenSuccesses)
	}
}

func TestBreakerSuccessInClosedIsNoop(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	start := now.Add(-time.Minute)
	row := BreakerRow{State: BreakerClosed, WindowStart: &start, WindowFailures: 2}

	got := breakerAfterSuccess(testPolicy, row, now)
	if got.State != BreakerClosed || got.WindowFailures != 2 {
		t.Fatalf("closed-state success should not change the row, got %s/%d", got.State, got.WindowFailures)
	}
}
