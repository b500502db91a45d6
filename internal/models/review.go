package models

import "time"

// DraftStatus enumerates draft reply states.
const (
	DraftReady    = "READY"
	DraftRejected = "REJECTED"
	DraftPosted   = "POSTED"
)

// ProcessMode selects what a PROCESS_REVIEW job does.
const (
	ModeAuto                = "AUTO"
	ModeManualRegenerate    = "MANUAL_REGENERATE"
	ModeVerifyExistingDraft = "VERIFY_EXISTING_DRAFT"
)

// Location is the projection of a review-platform location the sync jobs keep.
type Location struct {
	ID                string     `json:"id"`
	Tenant            string     `json:"tenant"`
	PlatformAccountID string     `json:"platform_account_id"`
	PlatformID        string     `json:"platform_location_id"`
	DisplayName       string     `json:"display_name"`
	Enabled           bool       `json:"enabled"`
	LastReviewsSyncAt *time.Time `json:"last_reviews_sync_at,omitempty"`
}

// Review is the minimal projection handlers re-check before acting. The full
// review data model lives outside this core; these columns are what the
// at-least-once safety checks need.
type Review struct {
	ID              string     `json:"id"`
	Tenant          string     `json:"tenant"`
	LocationID      string     `json:"location_id"`
	PlatformName    string     `json:"platform_review_name"`
	StarRating      int        `json:"star_rating"`
	Comment         *string    `json:"comment,omitempty"`
	CurrentDraftID  *string    `json:"current_draft_id,omitempty"`
	PlatformReply   *string    `json:"platform_reply,omitempty"`
	PlatformReplyAt *time.Time `json:"platform_reply_at,omitempty"`
	CreateTime      time.Time  `json:"create_time"`
}

// DraftReply is a generated reply candidate for a review.
type DraftReply struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	ReviewID  string    `json:"review_id"`
	Version   int       `json:"version"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxReplyChars is the review platform's reply length cap.
const MaxReplyChars = 4096
