package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"review-responder/internal/events"
	"review-responder/internal/models"
	"review-responder/internal/store"
)

// handleJobEvents streams one job's status transitions as server-sent events.
// The current snapshot goes out first, then live transitions from the event
// bus. The stream closes once the job reaches a terminal status. Bus delivery
// is best effort, so a periodic snapshot re-read backstops missed events.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(ctx, tenant, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get job", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendJob := func(j models.Job) bool {
		writeSSE(w, eventFromJob(j))
		flusher.Flush()
		return models.TerminalStatus(j.Status)
	}
	if sendJob(job) {
		return
	}

	var ch <-chan events.JobEvent
	cancel := func() {}
	if s.bus != nil {
		ch, cancel = s.bus.Subscribe(ctx, tenant)
	}
	defer cancel()

	refresh := time.NewTicker(5 * time.Second)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				ch = nil
				continue
			}
			if ev.JobID != jobID {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			if models.TerminalStatus(ev.Status) {
				return
			}
		case <-refresh.C:
			current, err := s.store.GetJob(ctx, tenant, jobID)
			if err != nil {
				return
			}
			if sendJob(current) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.JobEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
}

func eventFromJob(j models.Job) events.JobEvent {
	ev := events.JobEvent{
		JobID:    j.ID,
		Tenant:   j.Tenant,
		Type:     j.Type,
		Status:   j.Status,
		Attempts: j.Attempts,
		At:       time.Now().UTC(),
	}
	if j.LastErrorCode != nil {
		ev.LastErrorCode = *j.LastErrorCode
	}
	return ev
}
