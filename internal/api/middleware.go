package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"review-responder/internal/store"
	"review-responder/internal/telemetry"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTenant
	ctxKeyUser
)

// maxBodyBytes caps request bodies before they reach any handler.
const maxBodyBytes = 1 << 20

// Rate limit scopes. Mutations and admin triggers draw from separate windows
// so a burst of drafts cannot starve sync controls.
const (
	rateScopeMutate = "mutate"
	rateScopeAdmin  = "admin"
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func tenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(ctxKeyTenant).(string); ok {
		return t
	}
	return ""
}

func userFrom(ctx context.Context) string {
	if u, ok := ctx.Value(ctxKeyUser).(string); ok {
		return u
	}
	return ""
}

// withRequestID honors an incoming X-Request-Id or assigns one, and echoes it
// on the response so every reply is traceable.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withIdentity resolves the caller from trusted gateway headers. Requests
// without a tenant are rejected before reaching any handler.
func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "missing X-Tenant-ID header")
			return
		}
		user := r.Header.Get("X-User-ID")
		if user == "" {
			user = "anonymous"
		}
		ctx := context.WithValue(r.Context(), ctxKeyTenant, tenant)
		ctx = context.WithValue(ctx, ctxKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited consumes from the caller's fixed per-minute window before the
// handler runs. Allowed or not, the standard RateLimit headers go out.
func (s *Server) rateLimited(scope string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.store.ConsumeRateLimit(r.Context(), tenantFrom(r.Context()), userFrom(r.Context()), scope, limit, time.Now())
		if err != nil {
			s.log.Error("rate limit check failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "rate limit check failed")
			return
		}
		setRateLimitHeaders(w, res)
		if !res.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res store.RateLimitResult) {
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(res.ResetEpochSec, 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfterSec))
	}
}
