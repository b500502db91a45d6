package api

import (
	"encoding/json"
	"net/http"
)

// API error codes. Clients branch on these; messages are advisory.
const (
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeIdempotencyKeyMissing = "IDEMPOTENCY_KEY_REQUIRED"
	ErrCodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	ErrCodeIdempotencyScope      = "IDEMPOTENCY_SCOPE_MISMATCH"
	ErrCodeIdempotencyStorage    = "IDEMPOTENCY_STORAGE_FAILED"
	ErrCodeInternal              = "INTERNAL"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	OK        bool      `json:"ok"`
	RequestID string    `json:"requestId,omitempty"`
	Error     errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{
		OK:        false,
		RequestID: requestIDFrom(r.Context()),
		Error:     errorBody{Code: code, Message: message, Details: details},
	})
}
