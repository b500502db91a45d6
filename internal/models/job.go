package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// COMPLETED, FAILED and CANCELLED are terminal and never reopened.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusRetrying  = "RETRYING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// JobType enumerates the closed set of work the system knows how to execute.
const (
	TypeSyncLocations = "SYNC_LOCATIONS"
	TypeSyncReviews   = "SYNC_REVIEWS"
	TypeProcessReview = "PROCESS_REVIEW"
	TypePostReply     = "POST_REPLY"
)

// JobTypes lists every registered type, in claim-priority order.
var JobTypes = []string{TypePostReply, TypeProcessReview, TypeSyncReviews, TypeSyncLocations}

// ValidType reports whether t names a known job type.
func ValidType(t string) bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether s never transitions again.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ClaimPriority orders types at claim time: interactive, user-visible work
// (posting a reply, drafting/verifying) ahead of bulk sync.
func ClaimPriority(jobType string) int {
	switch jobType {
	case TypePostReply:
		return 0
	case TypeProcessReview:
		return 1
	case TypeSyncReviews, TypeSyncLocations:
		return 2
	default:
		return 9
	}
}

// Job represents a unit of asynchronous work persisted in Postgres.
type Job struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	RunAt         time.Time      `json:"run_at"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	LockedBy      *string        `json:"locked_by,omitempty"`
	DedupKey      *string        `json:"dedup_key,omitempty"`
	LastErrorCode *string        `json:"last_error_code,omitempty"`
	LastErrorMeta map[string]any `json:"last_error_meta,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	RequestID     *string        `json:"triggered_by_request_id,omitempty"`
	UserID        *string        `json:"triggered_by_user_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	Tenant     string         `json:"tenant"`
	ActorUser  string         `json:"actor_user_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Recorded   time.Time      `json:"recorded_at"`
}
