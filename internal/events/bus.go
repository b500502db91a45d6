package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"review-responder/internal/models"
)

// JobEvent is a status snapshot published whenever a job transitions. The
// stream is a best-effort read projection for UIs: correctness never depends
// on delivery, Postgres remains the source of truth.
type JobEvent struct {
	JobID         string    `json:"jobId"`
	Tenant        string    `json:"tenant"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastErrorCode string    `json:"lastErrorCode,omitempty"`
	At            time.Time `json:"at"`
}

// Bus publishes and subscribes job events over Redis pub/sub.
type Bus struct {
	client *redis.Client
}

// New builds a bus on the given Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func channel(tenant string) string {
	return "jobs:events:" + tenant
}

// Publish sends a snapshot for the tenant's channel. Errors are returned for
// logging but callers treat publishing as best effort.
func (b *Bus) Publish(ctx context.Context, ev JobEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(ev.Tenant), payload).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// PublishJob is a convenience for publishing from a models.Job.
func (b *Bus) PublishJob(ctx context.Context, job models.Job) error {
	ev := JobEvent{
		JobID:    job.ID,
		Tenant:   job.Tenant,
		Type:     job.Type,
		Status:   job.Status,
		Attempts: job.Attempts,
	}
	if job.LastErrorCode != nil {
		ev.LastErrorCode = *job.LastErrorCode
	}
	return b.Publish(ctx, ev)
}

// Subscribe delivers the tenant's events on the returned channel until ctx is
// done. Malformed payloads are dropped.
func (b *Bus) Subscribe(ctx context.Context, tenant string) (<-chan JobEvent, func()) {
	sub := b.client.Subscribe(ctx, channel(tenant))
	out := make(chan JobEvent, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel
}
