// Package worker executes queued jobs: the polling loop that drains the
// Postgres queue, the inline fast-path executor used by synchronous API
// requests, and the handlers for each job type.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"review-responder/internal/events"
	"review-responder/internal/jobs"
	"review-responder/internal/models"
	"review-responder/internal/store"
	"review-responder/internal/telemetry"
)

// Handler executes one job attempt. A nil return completes the job; a
// TerminalError fails it permanently; anything else schedules a retry.
type Handler func(ctx context.Context, job models.Job) error

// Processor claims due jobs and drives them through their handlers.
type Processor struct {
	store    *store.Store
	bus      *events.Bus
	log      *slog.Logger
	workerID string

	pollInterval time.Duration
	batchSize    int
	staleAfter   time.Duration
	fastBudget   time.Duration

	handlers map[string]Handler
}

// NewProcessor builds a processor with an empty handler registry.
func NewProcessor(s *store.Store, bus *events.Bus, log *slog.Logger, workerID string,
	pollInterval time.Duration, batchSize int, staleAfter, fastBudget time.Duration) *Processor {
	return &Processor{
		store:        s,
		bus:          bus,
		log:          log,
		workerID:     workerID,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		staleAfter:   staleAfter,
		fastBudget:   fastBudget,
		handlers:     map[string]Handler{},
	}
}

// Register binds a handler to a job type. Claimed jobs with no handler fail
// terminally rather than spinning through retries.
func (p *Processor) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Run polls until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.log.Info("worker started", "worker_id", p.workerID, "poll_interval", p.pollInterval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker stopping", "worker_id", p.workerID)
			return
		case <-ticker.C:
			if n, err := p.RunOnce(ctx); err != nil {
				p.log.Error("claim cycle failed", "error", err)
			} else if n > 0 {
				// Drain the backlog without waiting out the tick.
				continue
			}
			if depth, err := p.store.PendingDepth(ctx, time.Now().UTC()); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		}
	}
}

// RunOnce claims one batch of due jobs and processes them sequentially,
// returning how many were claimed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.store.ClaimJobs(ctx, p.batchSize, p.workerID, p.staleAfter, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, job := range claimed {
		p.process(ctx, job)
	}
	return len(claimed), nil
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	err := p.dispatch(ctx, job)

	// Finalization must land even when the worker is shutting down, or the
	// job stays RUNNING until the stale-lock reclaim window passes.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	p.finalize(finCtx, job, err, start)
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) error {
	h, ok := p.handlers[job.Type]
	if !ok {
		return jobs.Terminal(jobs.CodeBadRequest, "no handler for job type", map[string]any{"type": job.Type})
	}
	return h(ctx, job)
}

// finalize applies the decision table for one finished attempt and publishes
// the resulting status snapshot.
func (p *Processor) finalize(ctx context.Context, job models.Job, err error, start time.Time) {
	status := models.StatusCompleted
	var code jobs.Code

	switch d := decide(err); d {
	case decideComplete:
		if ferr := p.store.CompleteJob(ctx, job.ID); ferr != nil {
			p.log.Error("complete job failed", "job_id", job.ID, "error", ferr)
			return
		}
		telemetry.JobsCompleted.Inc()
		p.log.Info("job completed", "job_id", job.ID, "type", job.Type,
			"attempt", job.Attempts, "duration", time.Since(start))

	case decideFail:
		var meta map[string]any
		var msg string
		code, meta, _ = jobs.Classify(err)
		msg = err.Error()
		if ferr := p.store.FailJob(ctx, job.ID, code, meta, msg); ferr != nil {
			p.log.Error("fail job failed", "job_id", job.ID, "error", ferr)
			return
		}
		telemetry.JobsFailed.Inc()
		status = models.StatusFailed
		p.log.Warn("job failed", "job_id", job.ID, "type", job.Type,
			"code", code, "attempt", job.Attempts)

	case decideRetry:
		var meta map[string]any
		code, meta, _ = jobs.Classify(err)
		if ferr := p.store.RetryJob(ctx, job.ID, job.Attempts, job.MaxAttempts, code, meta, err.Error()); ferr != nil {
			p.log.Error("retry job failed", "job_id", job.ID, "error", ferr)
			return
		}
		if job.Attempts+1 >= job.MaxAttempts {
			telemetry.JobsFailed.Inc()
			status = models.StatusFailed
			p.log.Warn("job failed after final attempt", "job_id", job.ID, "type", job.Type, "code", code)
		} else {
			telemetry.JobsRetried.Inc()
			status = models.StatusRetrying
			p.log.Info("job scheduled for retry", "job_id", job.ID, "type", job.Type,
				"code", code, "attempt", job.Attempts+1)
		}

	case decideRelease:
		if ferr := p.store.ReleaseJob(ctx, job.ID, time.Now().UTC()); ferr != nil {
			p.log.Error("release job failed", "job_id", job.ID, "error", ferr)
			return
		}
		status = models.StatusRetrying
		p.log.Info("job released on shutdown", "job_id", job.ID, "type", job.Type)
	}

	p.publish(ctx, job, status, code)
}

func (p *Processor) publish(ctx context.Context, job models.Job, status string, code jobs.Code) {
	if p.bus == nil {
		return
	}
	ev := events.JobEvent{
		JobID:         job.ID,
		Tenant:        job.Tenant,
		Type:          job.Type,
		Status:        status,
		Attempts:      job.Attempts,
		LastErrorCode: string(code),
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.log.Debug("event publish failed", "job_id", job.ID, "error", err)
	}
}

type decision int

const (
	decideComplete decision = iota
	decideFail
	decideRetry
	decideRelease
)

// decide maps a handler result onto the finalization action. Context
// cancellation means the worker is shutting down mid-job: the claim is
// released without spending an attempt.
func decide(err error) decision {
	if err == nil {
		return decideComplete
	}
	if _, ok := jobs.AsTerminal(err); ok {
		return decideFail
	}
	if errors.Is(err, context.Canceled) {
		return decideRelease
	}
	return decideRetry
}
