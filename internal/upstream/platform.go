package upstream

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// PlatformClient talks to the review platform's REST API.
type PlatformClient struct {
	httpClient
}

// NewPlatformClient builds a client for the given base URL. timeout bounds
// every individual call; callers layer tighter deadlines via ctx.
func NewPlatformClient(baseURL, token string, timeout time.Duration) *PlatformClient {
	return &PlatformClient{httpClient{
		base:   baseURL,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}}
}

func (c *PlatformClient) ListAccounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/accounts", nil, &out, ClassifyPlatformStatus)
	return out.Accounts, err
}

func (c *PlatformClient) ListLocations(ctx context.Context, accountName string) ([]Location, error) {
	var out struct {
		Locations []Location `json:"locations"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/"+accountName+"/locations", nil, &out, ClassifyPlatformStatus)
	return out.Locations, err
}

func (c *PlatformClient) ListReviews(ctx context.Context, locationName, pageToken string) (ReviewPage, error) {
	path := "/v1/" + locationName + "/reviews"
	if pageToken != "" {
		path += "?pageToken=" + url.QueryEscape(pageToken)
	}
	var out ReviewPage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out, ClassifyPlatformStatus)
	return out, err
}

func (c *PlatformClient) GetReview(ctx context.Context, reviewName string) (Review, error) {
	var out Review
	err := c.doJSON(ctx, http.MethodGet, "/v1/"+reviewName, nil, &out, ClassifyPlatformStatus)
	return out, err
}

func (c *PlatformClient) PostReply(ctx context.Context, reviewName, text string) (ReplySnapshot, error) {
	body := map[string]string{"comment": text}
	var out ReplySnapshot
	err := c.doJSON(ctx, http.MethodPut, "/v1/"+reviewName+"/reply", body, &out, ClassifyPlatformStatus)
	return out, err
}

// DraftClient talks to the AI draft service.
type DraftClient struct {
	httpClient
}

func NewDraftClient(baseURL, token string, timeout time.Duration) *DraftClient {
	return &DraftClient{httpClient{
		base:   baseURL,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}}
}

func (c *DraftClient) ProcessReview(ctx context.Context, req DraftRequest) (DraftResult, error) {
	var out DraftResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/drafts", req, &out, ClassifyDraftStatus)
	return out, err
}
