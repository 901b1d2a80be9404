package xapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.x.com"

// Source abstracts the three paid provider operations so a canned data
// source can stand in for the live API in test mode.
type Source interface {
	// VerifyIdentity confirms the bearer token by fetching the
	// authenticated account.
	VerifyIdentity(ctx context.Context) (*Identity, error)

	// ListMentionsSince fetches mentions of userID newer than sinceID
	// (all recent mentions when sinceID is empty), with expanded author
	// and reply-target profiles.
	ListMentionsSince(ctx context.Context, userID, sinceID string) (*MentionBatch, error)

	// ListRecentPosts fetches up to maxResults recent non-reshared posts
	// by userID.
	ListRecentPosts(ctx context.Context, userID string, maxResults int) ([]Post, error)
}

// Client is the live X API v2 client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	bearerToken string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests point it at a local server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client authenticated with the given bearer token.
func NewClient(bearerToken string, opts ...Option) (*Client, error) {
	if bearerToken == "" {
		return nil, fmt.Errorf("xapi: bearer token must not be empty")
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultBaseURL,
		bearerToken: bearerToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// VerifyIdentity implements Source.
func (c *Client) VerifyIdentity(ctx context.Context) (*Identity, error) {
	body, err := c.doGET(ctx, "VerifyIdentity", "/2/users/me", url.Values{
		"user.fields": {"id,username"},
	})
	if err != nil {
		return nil, err
	}
	return parseIdentity(body)
}

// ListMentionsSince implements Source.
func (c *Client) ListMentionsSince(ctx context.Context, userID, sinceID string) (*MentionBatch, error) {
	params := url.Values{
		"tweet.fields": {"created_at,author_id,in_reply_to_user_id,text"},
		"expansions":   {"author_id,in_reply_to_user_id"},
		"user.fields":  {"username,name,description,location,public_metrics,profile_image_url,created_at"},
		"max_results":  {"10"},
	}
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}
	body, err := c.doGET(ctx, "ListMentions", "/2/users/"+userID+"/mentions", params)
	if err != nil {
		return nil, err
	}
	return parseMentionBatch(body)
}

// ListRecentPosts implements Source.
func (c *Client) ListRecentPosts(ctx context.Context, userID string, maxResults int) ([]Post, error) {
	if maxResults < 5 {
		maxResults = 5 // provider minimum
	}
	params := url.Values{
		"tweet.fields": {"created_at,public_metrics,in_reply_to_user_id,referenced_tweets,text"},
		"exclude":      {"retweets"},
		"max_results":  {fmt.Sprintf("%d", maxResults)},
	}
	body, err := c.doGET(ctx, "ListRecentPosts", "/2/users/"+userID+"/tweets", params)
	if err != nil {
		return nil, err
	}
	return parsePosts(body)
}

// doGET executes a single GET request and maps non-200 statuses onto the
// error taxonomy. It never retries: each attempt is a billed call, and the
// orchestrator owns the retry/budget policy.
func (c *Client) doGET(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{ResetAt: parseRateLimitReset(resp.Header.Get("x-rate-limit-reset"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Detail: truncateBytes(body, 200)}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncateBytes(body, 200)}
	}
	return body, nil
}
