package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"review-responder/internal/jobs"
)

func TestClassifyPlatformStatus(t *testing.T) {
	cases := []struct {
		status    int
		code      jobs.Code
		retryable bool
	}{
		{http.StatusRequestTimeout, jobs.CodeUpstreamTimeout, true},
		{http.StatusTooManyRequests, jobs.CodeUpstreamRateLimited, true},
		{http.StatusInternalServerError, jobs.CodeUpstream5xx, true},
		{http.StatusBadGateway, jobs.CodeUpstream5xx, true},
		{http.StatusNotFound, jobs.CodeUpstream4xx, false},
		{http.StatusForbidden, jobs.CodeUpstream4xx, false},
	}
	for _, tc := range cases {
		err := ClassifyPlatformStatus(tc.status)
		code, _, retryable := jobs.Classify(err)
		if code != tc.code || retryable != tc.retryable {
			t.Errorf("status %d: got (%s, retryable=%v), want (%s, %v)",
				tc.status, code, retryable, tc.code, tc.retryable)
		}
	}
}

func TestClassifyDraftStatus(t *testing.T) {
	cases := []struct {
		status    int
		code      jobs.Code
		retryable bool
	}{
		{http.StatusGatewayTimeout, jobs.CodeAIModelTimeout, true},
		{http.StatusTooManyRequests, jobs.CodeAIRateLimit, true},
		{http.StatusUnprocessableEntity, jobs.CodeAISchemaError, false},
		{http.StatusServiceUnavailable, jobs.CodeAIInternal, true},
		{http.StatusBadRequest, jobs.CodeAIInvalidRequest, false},
	}
	for _, tc := range cases {
		err := ClassifyDraftStatus(tc.status)
		code, _, retryable := jobs.Classify(err)
		if code != tc.code || retryable != tc.retryable {
			t.Errorf("status %d: got (%s, retryable=%v), want (%s, %v)",
				tc.status, code, retryable, tc.code, tc.retryable)
		}
	}
}

func TestPlatformClientPostReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.URL.Path != "/v1/locations/1/reviews/42/reply" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"comment":"thanks!"}`))
	}))
	defer srv.Close()

	c := NewPlatformClient(srv.URL, "tok", 5*time.Second)
	snap, err := c.PostReply(context.Background(), "locations/1/reviews/42", "thanks!")
	if err != nil {
		t.Fatalf("PostReply: %v", err)
	}
	if snap.Comment != "thanks!" {
		t.Errorf("comment = %q", snap.Comment)
	}
}

func TestPlatformClientErrorMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPlatformClient(srv.URL, "", 5*time.Second)
	_, err := c.GetReview(context.Background(), "locations/1/reviews/42")
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := jobs.AsTransient(err)
	if !ok {
		t.Fatalf("expected transient error, got %v", err)
	}
	if te.Code != jobs.CodeUpstream5xx {
		t.Errorf("code = %s, want %s", te.Code, jobs.CodeUpstream5xx)
	}
}

func TestDraftClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel r.Context().
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewDraftClient(srv.URL, "", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ProcessReview(ctx, DraftRequest{Tenant: "t1", ReviewID: "r1", Mode: "AUTO"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := jobs.AsTransient(err); !ok {
		t.Fatalf("expected transient error, got %v", err)
	}
}
