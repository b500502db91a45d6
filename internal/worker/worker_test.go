package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"review-responder/internal/jobs"
	"review-responder/internal/models"
	"review-responder/internal/upstream"
)

func upstreamReview(name string, stars int, comment string, replyAt *time.Time) upstream.Review {
	r := upstream.Review{Name: name, StarRating: stars, Comment: comment}
	if replyAt != nil {
		r.Reply = &upstream.ReplySnapshot{Comment: "thanks!", UpdateTime: replyAt}
	}
	return r
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want decision
	}{
		{"nil error completes", nil, decideComplete},
		{"terminal fails", jobs.Terminal(jobs.CodeAlreadyReplied, "", nil), decideFail},
		{"transient retries", jobs.Transient(jobs.CodeUpstream5xx, "", nil), decideRetry},
		{"unclassified retries", errors.New("boom"), decideRetry},
		{"shutdown releases", context.Canceled, decideRelease},
		{"wrapped shutdown releases", errors.Join(errors.New("call aborted"), context.Canceled), decideRelease},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decide(tc.err); got != tc.want {
				t.Errorf("decide(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestFastpathDecide(t *testing.T) {
	terminal := jobs.Terminal(jobs.CodeDraftStale, "", nil)
	transient := jobs.Transient(jobs.CodeUpstreamTimeout, "", nil)
	canceled := fmt.Errorf("posting reply: %w", context.Canceled)

	cases := []struct {
		name        string
		err         error
		deadlineHit bool
		maxAttempts int
		want        fastDecision
	}{
		{"success completes", nil, false, 10, fastComplete},
		{"budget expiry releases without spending an attempt", transient, true, 10, fastRelease},
		{"budget expiry with single attempt fails terminally", transient, true, 1, fastTimeoutFail},
		{"terminal error fails even on deadline boundary", terminal, false, 10, fastFail},
		{"transient error retries", transient, false, 10, fastRetry},
		{"success before deadline still completes", nil, true, 10, fastComplete},
		{"caller cancellation releases without spending an attempt", canceled, false, 10, fastRelease},
		{"caller cancellation with single attempt fails as a timeout", canceled, false, 1, fastTimeoutFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fastpathDecide(tc.err, tc.deadlineHit, tc.maxAttempts); got != tc.want {
				t.Errorf("fastpathDecide = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReplyGate(t *testing.T) {
	draftID := "d1"
	reply := "thanks"
	ready := models.DraftReply{ID: draftID, ReviewID: "r1", Status: models.DraftReady, Text: "Thank you!"}
	review := models.Review{ID: "r1", CurrentDraftID: &draftID}

	if err := replyGate(review, ready); err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}

	t.Run("already replied", func(t *testing.T) {
		r := review
		r.PlatformReply = &reply
		assertTerminalCode(t, replyGate(r, ready), jobs.CodeAlreadyReplied)
	})

	t.Run("wrong review", func(t *testing.T) {
		d := ready
		d.ReviewID = "other"
		assertTerminalCode(t, replyGate(review, d), jobs.CodeBadRequest)
	})

	t.Run("superseded draft", func(t *testing.T) {
		newer := "d2"
		r := review
		r.CurrentDraftID = &newer
		assertTerminalCode(t, replyGate(r, ready), jobs.CodeDraftStale)
	})

	t.Run("no current draft", func(t *testing.T) {
		r := review
		r.CurrentDraftID = nil
		assertTerminalCode(t, replyGate(r, ready), jobs.CodeDraftStale)
	})

	t.Run("not ready", func(t *testing.T) {
		d := ready
		d.Status = models.DraftRejected
		assertTerminalCode(t, replyGate(review, d), jobs.CodeDraftNotReady)
	})

	t.Run("too long", func(t *testing.T) {
		d := ready
		text := make([]rune, models.MaxReplyChars+1)
		for i := range text {
			text[i] = 'あ'
		}
		d.Text = string(text)
		assertTerminalCode(t, replyGate(review, d), jobs.CodeBadRequest)
	})

	t.Run("exactly at limit passes", func(t *testing.T) {
		d := ready
		text := make([]rune, models.MaxReplyChars)
		for i := range text {
			text[i] = 'x'
		}
		d.Text = string(text)
		if err := replyGate(review, d); err != nil {
			t.Errorf("reply at exact limit rejected: %v", err)
		}
	})
}

func assertTerminalCode(t *testing.T, err error, want jobs.Code) {
	t.Helper()
	te, ok := jobs.AsTerminal(err)
	if !ok {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if te.Code != want {
		t.Errorf("code = %s, want %s", te.Code, want)
	}
}

func TestAutoDraftCandidate(t *testing.T) {
	comment := "great service"
	reply := "thanks"
	empty := ""

	cases := []struct {
		name   string
		review models.Review
		isNew  bool
		want   bool
	}{
		{"new unanswered review with text", models.Review{Comment: &comment}, true, true},
		{"already seen review", models.Review{Comment: &comment}, false, false},
		{"already replied", models.Review{Comment: &comment, PlatformReply: &reply}, true, false},
		{"rating only, no text", models.Review{}, true, false},
		{"empty comment", models.Review{Comment: &empty}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := autoDraftCandidate(tc.review, tc.isNew); got != tc.want {
				t.Errorf("autoDraftCandidate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReviewFromPlatform(t *testing.T) {
	posted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pr := upstreamReview("locations/1/reviews/42", 4, "solid", &posted)

	r := reviewFromPlatform("t1", "loc-1", pr)
	if r.Tenant != "t1" || r.LocationID != "loc-1" {
		t.Errorf("tenant/location = %s/%s", r.Tenant, r.LocationID)
	}
	if r.PlatformName != "locations/1/reviews/42" || r.StarRating != 4 {
		t.Errorf("name/rating = %s/%d", r.PlatformName, r.StarRating)
	}
	if r.Comment == nil || *r.Comment != "solid" {
		t.Errorf("comment = %v", r.Comment)
	}
	if r.PlatformReply == nil || *r.PlatformReply != "thanks!" {
		t.Errorf("reply = %v", r.PlatformReply)
	}
	if r.PlatformReplyAt == nil || !r.PlatformReplyAt.Equal(posted) {
		t.Errorf("reply time = %v", r.PlatformReplyAt)
	}

	bare := reviewFromPlatform("t1", "loc-1", upstreamReview("n", 5, "", nil))
	if bare.Comment != nil {
		t.Errorf("empty comment should stay nil, got %v", bare.Comment)
	}
}

func TestPayloadHelpers(t *testing.T) {
	job := models.Job{Payload: map[string]any{
		"reviewId": "r1",
		"count":    float64(3),
		"override": true,
		"legacy":   "true",
	}}
	if got := payloadString(job, "reviewId"); got != "r1" {
		t.Errorf("payloadString = %q", got)
	}
	if got := payloadString(job, "count"); got != "" {
		t.Errorf("non-string value should read as empty, got %q", got)
	}
	if !payloadBool(job, "override") || !payloadBool(job, "legacy") {
		t.Error("payloadBool should accept bool and string forms")
	}
	if payloadBool(job, "missing") || payloadBool(models.Job{}, "x") {
		t.Error("missing keys should read false")
	}
}
