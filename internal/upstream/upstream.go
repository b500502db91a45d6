// Package upstream holds the opaque external collaborators: the review
// platform the replies are posted to and the AI draft service. Both are thin
// JSON clients; their failures are mapped onto the job error taxonomy so the
// worker can decide retry vs. fail without ever seeing raw response bodies.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"review-responder/internal/jobs"
)

// Account is a review-platform account grouping locations.
type Account struct {
	Name string `json:"name"`
}

// Location is a place reviews are attached to.
type Location struct {
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
	ID        string `json:"locationId"`
	Title     string `json:"title"`
}

// ReplySnapshot is the platform's record of a posted reply.
type ReplySnapshot struct {
	Comment    string     `json:"comment"`
	UpdateTime *time.Time `json:"updateTime,omitempty"`
}

// Review is a platform review as returned by list/get calls.
type Review struct {
	Name       string         `json:"name"`
	StarRating int            `json:"starRating"`
	Comment    string         `json:"comment"`
	CreateTime time.Time      `json:"createTime"`
	Reply      *ReplySnapshot `json:"reviewReply,omitempty"`
}

// ReviewPage is one page of a review listing.
type ReviewPage struct {
	Reviews       []Review `json:"reviews"`
	NextPageToken string   `json:"nextPageToken"`
}

// ReviewPlatform is the external review-site API. Implementations must honor
// ctx cancellation; the fast-path executor relies on it.
type ReviewPlatform interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	ListLocations(ctx context.Context, accountName string) ([]Location, error)
	ListReviews(ctx context.Context, locationName, pageToken string) (ReviewPage, error)
	GetReview(ctx context.Context, reviewName string) (Review, error)
	PostReply(ctx context.Context, reviewName, text string) (ReplySnapshot, error)
}

// DraftRequest asks the AI service to draft or verify a reply.
type DraftRequest struct {
	Tenant        string  `json:"tenant"`
	ReviewID      string  `json:"reviewId"`
	Mode          string  `json:"mode"`
	StarRating    int     `json:"starRating"`
	ReviewComment string  `json:"reviewComment"`
	CurrentDraft  *string `json:"currentDraftText,omitempty"`
	Candidate     *string `json:"candidateDraftText,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
}

// DraftResult is the AI service's decision.
type DraftResult struct {
	DraftText string `json:"draftText"`
	Decision  string `json:"decision"` // READY or REJECTED
	Model     string `json:"model"`
	LatencyMs int    `json:"latencyMs"`
}

// DraftService is the AI collaborator.
type DraftService interface {
	ProcessReview(ctx context.Context, req DraftRequest) (DraftResult, error)
}

type httpClient struct {
	base   string
	token  string
	client *http.Client
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any, classify func(status int) error) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain without retaining: bodies may carry PII and are never persisted.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return classify(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return jobs.Transient(jobs.CodeInternal, "decode upstream response", nil)
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.Transient(jobs.CodeUpstreamTimeout, "upstream call timed out", nil)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return jobs.Transient(jobs.CodeUpstreamTimeout, "upstream unreachable", nil)
}

// ClassifyPlatformStatus maps review-platform HTTP statuses onto the taxonomy.
func ClassifyPlatformStatus(status int) error {
	meta := map[string]any{"status": status}
	switch {
	case status == http.StatusRequestTimeout:
		return jobs.Transient(jobs.CodeUpstreamTimeout, "upstream timeout", meta)
	case status == http.StatusTooManyRequests:
		return jobs.Transient(jobs.CodeUpstreamRateLimited, "upstream rate limited", meta)
	case status >= 500:
		return jobs.Transient(jobs.CodeUpstream5xx, "upstream server error", meta)
	default:
		return jobs.Terminal(jobs.CodeUpstream4xx, "upstream rejected request", meta)
	}
}

// ClassifyDraftStatus maps AI-service HTTP statuses onto the taxonomy. Schema
// and validation failures are terminal: retrying an invalid request cannot
// succeed.
func ClassifyDraftStatus(status int) error {
	meta := map[string]any{"status": status}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return jobs.Transient(jobs.CodeAIModelTimeout, "draft service timeout", meta)
	case status == http.StatusTooManyRequests:
		return jobs.Transient(jobs.CodeAIRateLimit, "draft service rate limited", meta)
	case status == http.StatusUnprocessableEntity:
		return jobs.Terminal(jobs.CodeAISchemaError, "draft service schema error", meta)
	case status >= 500:
		return jobs.Transient(jobs.CodeAIInternal, "draft service error", meta)
	default:
		return jobs.Terminal(jobs.CodeAIInvalidRequest, "draft service rejected request", meta)
	}
}
