package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Code is the closed set of failure codes persisted with jobs and surfaced on
// the API. Raw upstream error bodies are never stored; only these codes plus a
// small metadata object.
type Code string

const (
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"
	CodeCooldownActive      Code = "COOLDOWN_ACTIVE"
	CodeDraftNotReady       Code = "DRAFT_NOT_READY"
	CodeDraftStale          Code = "DRAFT_STALE"
	CodeAlreadyReplied      Code = "ALREADY_REPLIED"
	CodeNoDraft             Code = "NO_DRAFT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeFastPathTimeout     Code = "FASTPATH_TIMEOUT"
	CodeAIInvalidRequest    Code = "AI_INVALID_REQUEST"
	CodeAIModelTimeout      Code = "AI_MODEL_TIMEOUT"
	CodeAIRateLimit         Code = "AI_RATE_LIMIT"
	CodeAISchemaError       Code = "AI_SCHEMA_ERROR"
	CodeAIInternal          Code = "AI_INTERNAL"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamRateLimited Code = "UPSTREAM_RATE_LIMITED"
	CodeUpstream5xx         Code = "UPSTREAM_5XX"
	CodeUpstream4xx         Code = "UPSTREAM_4XX"
	CodeInternal            Code = "INTERNAL"
)

const maxErrorMessageLen = 2000

// TerminalError marks a job failure that must not be retried: the business
// outcome is decided (forbidden, stale draft, budget exhausted, ...).
type TerminalError struct {
	Code    Code
	Message string
	Meta    map[string]any
}

func (e *TerminalError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientError marks a failure worth retrying: upstream timeouts, rate
// limits, 5xx responses, internal faults.
type TransientError struct {
	Code    Code
	Message string
	Meta    map[string]any
}

func (e *TransientError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Terminal builds a non-retryable job error.
func Terminal(code Code, message string, meta map[string]any) *TerminalError {
	return &TerminalError{Code: code, Message: Truncate(message), Meta: meta}
}

// Transient builds a retryable job error.
func Transient(code Code, message string, meta map[string]any) *TransientError {
	return &TransientError{Code: code, Message: Truncate(message), Meta: meta}
}

// AsTerminal unwraps err as a TerminalError if it is one.
func AsTerminal(err error) (*TerminalError, bool) {
	var te *TerminalError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// AsTransient unwraps err as a TransientError if it is one.
func AsTransient(err error) (*TransientError, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Classify maps any handler error onto (code, meta, retryable). Unclassified
// errors count as internal transient failures.
func Classify(err error) (code Code, meta map[string]any, retryable bool) {
	if te, ok := AsTerminal(err); ok {
		return te.Code, te.Meta, false
	}
	if tr, ok := AsTransient(err); ok {
		return tr.Code, tr.Meta, true
	}
	return CodeInternal, nil, true
}

// Truncate bounds an error message before persistence.
func Truncate(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}

// MarshalMeta stably serializes error metadata with sorted keys, bounded in
// size. Oversized or unserializable metadata degrades to nil rather than
// persisting unbounded data.
func MarshalMeta(meta map[string]any) []byte {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]json.RawMessage, len(meta))
	for _, k := range keys {
		b, err := json.Marshal(meta[k])
		if err != nil {
			continue
		}
		ordered[k] = b
	}
	out, err := json.Marshal(ordered)
	if err != nil || len(out) > maxErrorMessageLen {
		return nil
	}
	return out
}
