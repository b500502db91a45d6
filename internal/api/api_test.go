package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"review-responder/internal/jobs"
	"review-responder/internal/models"
)

func TestCanonicalRequestHash(t *testing.T) {
	body := []byte(`{"draftReplyId":"d1"}`)

	base := httptest.NewRequest(http.MethodPost, "/api/reviews/r1/reply/post?b=2&a=1", nil)
	reordered := httptest.NewRequest(http.MethodPost, "/api/reviews/r1/reply/post?a=1&b=2", nil)
	if canonicalRequestHash(base, body) != canonicalRequestHash(reordered, body) {
		t.Error("query parameter order must not change the hash")
	}

	otherBody := canonicalRequestHash(base, []byte(`{"draftReplyId":"d2"}`))
	if otherBody == canonicalRequestHash(base, body) {
		t.Error("different bodies must hash differently")
	}

	otherPath := httptest.NewRequest(http.MethodPost, "/api/reviews/r2/reply/post?b=2&a=1", nil)
	if canonicalRequestHash(otherPath, body) == canonicalRequestHash(base, body) {
		t.Error("different paths must hash differently")
	}

	withOverride := httptest.NewRequest(http.MethodPost, "/api/reviews/r1/reply/post?b=2&a=1", nil)
	withOverride.Header.Set("X-Budget-Override", "true")
	if canonicalRequestHash(withOverride, body) == canonicalRequestHash(base, body) {
		t.Error("semantic headers must participate in the hash")
	}

	withNoise := httptest.NewRequest(http.MethodPost, "/api/reviews/r1/reply/post?b=2&a=1", nil)
	withNoise.Header.Set("Authorization", "Bearer secret")
	withNoise.Header.Set("User-Agent", "test")
	if canonicalRequestHash(withNoise, body) != canonicalRequestHash(base, body) {
		t.Error("non-semantic headers must not change the hash")
	}
}

func TestValidIdempotencyKey(t *testing.T) {
	if !validIdempotencyKey("7f9c24e8-3b12-4a7e-9f31-8a6e27c5d28b") {
		t.Error("valid v4 UUID rejected")
	}
	cases := []string{
		"",
		"not-a-uuid",
		"7f9c24e8-3b12-1a7e-9f31-8a6e27c5d28b", // v1
		"7f9c24e83b124a7e9f318a6e27c5d28",      // truncated
	}
	for _, key := range cases {
		if validIdempotencyKey(key) {
			t.Errorf("accepted invalid key %q", key)
		}
	}
}

func TestWithIdentity(t *testing.T) {
	var gotTenant, gotUser string
	h := withRequestID(withIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = tenantFrom(r.Context())
		gotUser = userFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	t.Run("missing tenant rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var env errorEnvelope
		if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
			t.Fatalf("decode error envelope: %v", err)
		}
		if env.OK {
			t.Error("error envelope reports ok")
		}
		if env.Error.Code != ErrCodeBadRequest {
			t.Errorf("code = %s", env.Error.Code)
		}
		if env.RequestID == "" {
			t.Error("error envelope missing request id")
		}
	})

	t.Run("identity resolved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("X-Tenant-ID", "t1")
		req.Header.Set("X-User-ID", "u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		if gotTenant != "t1" || gotUser != "u1" {
			t.Errorf("identity = %s/%s", gotTenant, gotUser)
		}
	})

	t.Run("anonymous user default", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("X-Tenant-ID", "t1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if gotUser != "anonymous" {
			t.Errorf("user = %s, want anonymous", gotUser)
		}
	})
}

func TestWithRequestID(t *testing.T) {
	h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("echoes caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-Id", "req-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
			t.Errorf("request id = %q", got)
		}
	})

	t.Run("generates when absent or oversized", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Header().Get("X-Request-Id") == "" {
			t.Error("no request id assigned")
		}

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if len(rec.Header().Get("X-Request-Id")) > 128 {
			t.Error("oversized request id passed through")
		}
	})
}

func TestJobViewRedaction(t *testing.T) {
	code := string(jobs.CodeAlreadyReplied)
	j := models.Job{
		ID:     "j1",
		Tenant: "t1",
		Type:   models.TypePostReply,
		Status: models.StatusFailed,
		Payload: map[string]any{
			"reviewId":     "r1",
			"draftReplyId": "d1",
			"replyText":    "never expose this",
		},
		LastErrorCode: &code,
	}

	v := jobView(j)
	if v.Payload["reviewId"] != "r1" || v.Payload["draftReplyId"] != "d1" {
		t.Errorf("allow-listed fields missing: %v", v.Payload)
	}
	if _, leaked := v.Payload["replyText"]; leaked {
		t.Error("non-allow-listed payload field exposed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "locked") || strings.Contains(string(raw), "tenant") {
		t.Errorf("internal fields leaked into view: %s", raw)
	}
}

func TestStatusForJobError(t *testing.T) {
	cases := []struct {
		code jobs.Code
		want int
	}{
		{jobs.CodeNotFound, http.StatusNotFound},
		{jobs.CodeForbidden, http.StatusForbidden},
		{jobs.CodeAlreadyReplied, http.StatusConflict},
		{jobs.CodeDraftStale, http.StatusConflict},
		{jobs.CodeCooldownActive, http.StatusConflict},
		{jobs.CodeDraftNotReady, http.StatusUnprocessableEntity},
		{jobs.CodeBudgetExceeded, http.StatusPaymentRequired},
		{jobs.CodeUpstream5xx, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForJobError(tc.code); got != tc.want {
			t.Errorf("statusForJobError(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestBufferedResponse(t *testing.T) {
	buf := newBufferedResponse()
	buf.Header().Set("Content-Type", "application/json")
	buf.WriteHeader(http.StatusAccepted)
	if _, err := buf.Write([]byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if buf.status != http.StatusAccepted {
		t.Errorf("status = %d", buf.status)
	}
	if buf.body.String() != `{"ok":true}` {
		t.Errorf("body = %s", buf.body.String())
	}
	if buf.Header().Get("Content-Type") != "application/json" {
		t.Error("header lost")
	}
}
