package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"review-responder/internal/jobs"
	"review-responder/internal/models"
	"review-responder/internal/telemetry"
)

// FastPathResult reports what the inline executor did with a job.
type FastPathResult struct {
	Job      models.Job
	Ran      bool // claimed and executed inline; false means another executor owns it
	TimedOut bool // the inline run was cut short before the handler finished
}

// ExecuteInline runs one freshly enqueued job synchronously, bounded by the
// fast-path budget. The claim is conditional: if the job was already taken by
// the polling loop (or an earlier inline attempt), nothing runs and the
// current snapshot is returned.
//
// Budget expiry and caller cancellation do not spend the job's retry budget:
// the job is released back to RETRYING untouched and the polling worker picks
// it up. The one exception is max_attempts == 1, where there is no retry to
// hand the job to and the interruption is terminal.
func (p *Processor) ExecuteInline(ctx context.Context, id, tenant, jobType string) (FastPathResult, error) {
	job, claimed, err := p.store.ClaimJobByID(ctx, id, tenant, jobType, "inline:"+p.workerID, time.Now().UTC())
	if err != nil {
		return FastPathResult{}, err
	}
	if !claimed {
		current, err := p.store.GetJob(ctx, tenant, id)
		if err != nil {
			return FastPathResult{}, err
		}
		return FastPathResult{Job: current}, nil
	}

	telemetry.FastPathRuns.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithTimeout(ctx, p.fastBudget)
	handlerErr := p.dispatch(runCtx, job)
	deadlineHit := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	// Finalization writes must not be cut short by the request context.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finCancel()

	result := FastPathResult{Ran: true}
	var code jobs.Code

	switch fastpathDecide(handlerErr, deadlineHit, job.MaxAttempts) {
	case fastComplete:
		if err := p.store.CompleteJob(finCtx, job.ID); err != nil {
			return FastPathResult{}, fmt.Errorf("complete inline job: %w", err)
		}
		telemetry.JobsCompleted.Inc()

	case fastRelease:
		telemetry.FastPathTimeouts.Inc()
		result.TimedOut = true
		if err := p.store.ReleaseJob(finCtx, job.ID, time.Now().UTC()); err != nil {
			return FastPathResult{}, fmt.Errorf("release inline job: %w", err)
		}
		p.log.Info("inline run interrupted, job handed to worker", "job_id", job.ID, "type", job.Type)

	case fastTimeoutFail:
		telemetry.FastPathTimeouts.Inc()
		telemetry.JobsFailed.Inc()
		result.TimedOut = true
		code = jobs.CodeFastPathTimeout
		if err := p.store.FailJob(finCtx, job.ID, code, nil, "inline execution interrupted before completion"); err != nil {
			return FastPathResult{}, fmt.Errorf("fail inline job: %w", err)
		}

	case fastFail:
		var meta map[string]any
		var msg string
		code, meta, _ = jobs.Classify(handlerErr)
		msg = handlerErr.Error()
		if err := p.store.FailJob(finCtx, job.ID, code, meta, msg); err != nil {
			return FastPathResult{}, fmt.Errorf("fail inline job: %w", err)
		}
		telemetry.JobsFailed.Inc()

	case fastRetry:
		var meta map[string]any
		code, meta, _ = jobs.Classify(handlerErr)
		if err := p.store.RetryJob(finCtx, job.ID, job.Attempts, job.MaxAttempts, code, meta, handlerErr.Error()); err != nil {
			return FastPathResult{}, fmt.Errorf("retry inline job: %w", err)
		}
		telemetry.JobsRetried.Inc()
	}

	final, err := p.store.GetJob(finCtx, tenant, id)
	if err != nil {
		return FastPathResult{}, err
	}
	result.Job = final
	p.publish(finCtx, final, final.Status, code)
	return result, nil
}

type fastDecision int

const (
	fastComplete fastDecision = iota
	fastFail
	fastRetry
	fastRelease
	fastTimeoutFail
)

// fastpathDecide maps an inline attempt's result onto a finalization action.
// A handler error that arrived alongside the budget deadline, or one caused by
// the caller cancelling (client gone mid-run), counts as an interruption, not
// a handler failure: no retry attempt is spent on it.
func fastpathDecide(err error, deadlineHit bool, maxAttempts int) fastDecision {
	if err == nil {
		return fastComplete
	}
	if deadlineHit || errors.Is(err, context.Canceled) {
		if maxAttempts == 1 {
			return fastTimeoutFail
		}
		return fastRelease
	}
	if _, ok := jobs.AsTerminal(err); ok {
		return fastFail
	}
	return fastRetry
}
