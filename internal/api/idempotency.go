package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"review-responder/internal/store"
	"review-responder/internal/telemetry"
)

// semanticHeaders are the request headers that change what a mutation does
// and therefore participate in the request hash. Everything else (auth,
// tracing, transport negotiation) is excluded.
var semanticHeaders = []string{"X-Budget-Override"}

// canonicalRequestHash fingerprints the request so a replayed key can be told
// apart from a reused one. Query parameters are sorted by key then value;
// header names are case-normalized. Two requests that differ only in
// parameter order hash identically.
func canonicalRequestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	io.WriteString(h, r.Method)
	io.WriteString(h, "\n")
	io.WriteString(h, r.URL.Path)
	io.WriteString(h, "\n")

	q := r.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			io.WriteString(h, k)
			io.WriteString(h, "=")
			io.WriteString(h, v)
			io.WriteString(h, "&")
		}
	}
	io.WriteString(h, "\n")

	for _, name := range semanticHeaders {
		io.WriteString(h, strings.ToLower(name))
		io.WriteString(h, ":")
		io.WriteString(h, r.Header.Get(name))
		io.WriteString(h, "\n")
	}

	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// validIdempotencyKey requires a v4 UUID: random, client-generated, and
// practically collision-free across tenants.
func validIdempotencyKey(key string) bool {
	u, err := uuid.Parse(key)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

// bufferedResponse captures a handler's output so it can be persisted before
// anything reaches the client.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header       { return b.header }
func (b *bufferedResponse) WriteHeader(status int)    { b.status = status }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

// idempotent wraps a mutation handler with the idempotency gateway. The
// handler only runs on a MISS; every other branch is resolved from storage:
//
//   - stored response, same request hash: replay it verbatim
//   - stored response, different hash: the key was reused for a different
//     request, reject
//   - record exists but no response yet: a concurrent first attempt is still
//     running, conflict
//   - key seen under a different (tenant, user, method, path): scope misuse
//
// The response is buffered and persisted before it is sent. If it cannot be
// persisted the client gets an error, not an unreplayable success: a lost
// record would let a retry execute the mutation twice.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeError(w, r, http.StatusBadRequest, ErrCodeIdempotencyKeyMissing, "Idempotency-Key header is required")
			return
		}
		if !validIdempotencyKey(key) {
			writeError(w, r, http.StatusBadRequest, ErrCodeIdempotencyKeyMissing, "Idempotency-Key must be a v4 UUID")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		scope := store.IdempotencyScope{
			Tenant: tenantFrom(ctx),
			UserID: userFrom(ctx),
			Method: r.Method,
			Path:   r.URL.Path,
		}
		hash := canonicalRequestHash(r, body)

		rec, found, err := s.store.FindIdempotencyRecord(ctx, scope, key)
		if err != nil {
			s.log.Error("idempotency lookup failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeIdempotencyStorage, "idempotency storage unavailable")
			return
		}
		if found {
			s.resolveExisting(w, r, rec, hash)
			return
		}

		use, mismatch, err := s.store.FindIdempotencyScopeMismatch(ctx, scope, key)
		if err != nil {
			s.log.Error("idempotency scope check failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeIdempotencyStorage, "idempotency storage unavailable")
			return
		}
		if mismatch {
			writeErrorDetails(w, r, http.StatusConflict, ErrCodeIdempotencyScope,
				"key already used for a different operation",
				map[string]any{"method": use.Method, "path": use.Path})
			return
		}

		inserted, err := s.store.BeginIdempotency(ctx, scope, key, hash, requestIDFrom(ctx), s.cfg.IdempotencyRetention)
		if err != nil {
			s.log.Error("idempotency begin failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeIdempotencyStorage, "idempotency storage unavailable")
			return
		}
		if !inserted {
			// Lost the insert race: a concurrent request with the same key got
			// there first. Resolve from its record.
			rec, found, err := s.store.FindIdempotencyRecord(ctx, scope, key)
			if err != nil || !found {
				writeError(w, r, http.StatusConflict, ErrCodeIdempotencyKeyReused, "request with this key is in progress")
				return
			}
			s.resolveExisting(w, r, rec, hash)
			return
		}

		buf := newBufferedResponse()
		next(buf, r)

		// A rate-limited attempt is not an outcome of the mutation; storing it
		// would replay 429 for the key's whole retention. Release the record
		// and let the client retry with the same key.
		if buf.status == http.StatusTooManyRequests {
			if rerr := s.store.ReleaseIdempotency(ctx, scope, key); rerr != nil {
				s.log.Error("idempotency release failed", "error", rerr)
			}
			copyBuffered(w, buf)
			return
		}

		if buf.body.Len() > s.cfg.IdempotencyMaxResponseBytes {
			s.log.Error("idempotent response exceeds storage cap", "bytes", buf.body.Len(), "path", r.URL.Path)
			writeError(w, r, http.StatusInternalServerError, ErrCodeIdempotencyStorage, "response too large to make replayable")
			return
		}
		if err := s.store.FinalizeIdempotency(ctx, scope, key, buf.status, buf.body.String()); err != nil {
			s.log.Error("idempotency finalize failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeIdempotencyStorage, "idempotency storage unavailable")
			return
		}

		copyBuffered(w, buf)
	}
}

func copyBuffered(w http.ResponseWriter, buf *bufferedResponse) {
	for name, vals := range buf.header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(buf.status)
	_, _ = w.Write(buf.body.Bytes())
}

func (s *Server) resolveExisting(w http.ResponseWriter, r *http.Request, rec store.IdempotencyRecord, hash string) {
	if rec.RequestHash != hash {
		writeError(w, r, http.StatusConflict, ErrCodeIdempotencyKeyReused,
			"key already used for a different request")
		return
	}
	if rec.ResponseStatus == nil {
		writeError(w, r, http.StatusConflict, ErrCodeIdempotencyKeyReused,
			"request with this key is in progress")
		return
	}

	telemetry.IdempotentReplays.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotency-Replayed", "true")
	w.WriteHeader(*rec.ResponseStatus)
	if rec.ResponseBody != nil {
		_, _ = io.WriteString(w, *rec.ResponseBody)
	}
}
