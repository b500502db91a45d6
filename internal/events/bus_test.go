package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)
	ch, stop := bus.Subscribe(ctx, "tenant-a")
	defer stop()

	// Subscription setup races the publish; give the subscriber a moment.
	time.Sleep(50 * time.Millisecond)

	want := JobEvent{JobID: "j1", Tenant: "tenant-a", Type: "POST_REPLY", Status: "COMPLETED", Attempts: 1}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.JobID != want.JobID || got.Status != want.Status || got.Attempts != want.Attempts {
			t.Fatalf("got %+v want %+v", got, want)
		}
		if got.At.IsZero() {
			t.Fatal("publish should stamp At")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIsTenantScoped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := newTestBus(t)
	ch, stop := bus.Subscribe(ctx, "tenant-a")
	defer stop()
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish(ctx, JobEvent{JobID: "other", Tenant: "tenant-b", Status: "FAILED"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("received another tenant's event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
