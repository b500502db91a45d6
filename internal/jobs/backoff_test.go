package jobs

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	b0 := Backoff(0)
	if b0 < 10*time.Second || b0 > 12*time.Second {
		t.Fatalf("attempt 0 backoff out of range: %s", b0)
	}
	b3 := Backoff(3)
	if b3 < 80*time.Second || b3 > 82*time.Second {
		t.Fatalf("attempt 3 backoff out of range: %s", b3)
	}
}

func TestBackoffCapped(t *testing.T) {
	for _, attempts := range []int{7, 10, 30, 62} {
		if b := Backoff(attempts); b > 15*time.Minute {
			t.Fatalf("attempt %d exceeded cap: %s", attempts, b)
		}
	}
}

func TestBackoffNegativeAttempts(t *testing.T) {
	if b := Backoff(-3); b < 10*time.Second || b > 12*time.Second {
		t.Fatalf("negative attempts should behave like zero, got %s", b)
	}
}
