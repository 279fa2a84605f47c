// Package platform implements the HTTP client for the remote social
// platform. Retry with exponential backoff lives inside the client; callers
// see each operation either succeed or fail with a typed *Error after the
// attempts are exhausted, and never retry themselves.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/moltlab/moltagent/pkg/types"
)

// Error is the typed failure returned by every client operation.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("platform: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("platform: %s", e.Message)
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// MaxAttempts is the total attempt count per operation, retries
	// included. Zero means the default of 3.
	MaxAttempts int
	// BaseDelay is the first backoff delay, doubled per retry. Zero means
	// the default of 500ms.
	BaseDelay time.Duration

	HTTPClient *http.Client
}

// Client talks to the platform API.
type Client struct {
	baseURL     string
	apiKey      string
	maxAttempts int
	baseDelay   time.Duration
	http        *http.Client
}

// NewClient creates the platform client.
func NewClient(cfg Config) *Client {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		maxAttempts: attempts,
		baseDelay:   delay,
		http:        httpClient,
	}
}

// ListSubmolts returns all communities visible to the agent.
func (c *Client) ListSubmolts(ctx context.Context) ([]types.Submolt, error) {
	var out struct {
		Submolts []types.Submolt `json:"submolts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/submolts", nil, &out); err != nil {
		return nil, err
	}
	return out.Submolts, nil
}

// ListSubscribed returns the communities the agent is subscribed to.
func (c *Client) ListSubscribed(ctx context.Context) ([]types.Submolt, error) {
	var out struct {
		Submolts []types.Submolt `json:"submolts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/submolts/subscribed", nil, &out); err != nil {
		return nil, err
	}
	return out.Submolts, nil
}

// ListPosts returns posts, optionally scoped to one submolt.
func (c *Client) ListPosts(ctx context.Context, submolt, sort string, limit int) ([]types.Post, error) {
	q := url.Values{}
	if submolt != "" {
		q.Set("submolt", submolt)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Posts []types.Post `json:"posts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/posts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Posts, nil
}

// Feed returns the agent's personalized merged feed.
func (c *Client) Feed(ctx context.Context, sort string, limit int) ([]types.Post, error) {
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Posts []types.Post `json:"posts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/feed?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Posts, nil
}

// ListComments returns the comments of a post in platform order.
func (c *Client) ListComments(ctx context.Context, postID string) ([]types.Comment, error) {
	var out struct {
		Comments []types.Comment `json:"comments"`
	}
	path := "/api/v1/posts/" + url.PathEscape(postID) + "/comments"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// CreatePost creates a post in a submolt.
func (c *Client) CreatePost(ctx context.Context, submolt, title, content string) (*types.Post, error) {
	body := map[string]string{
		"submolt": submolt,
		"title":   title,
		"content": content,
	}
	var out struct {
		Post types.Post `json:"post"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/posts", body, &out); err != nil {
		return nil, err
	}
	return &out.Post, nil
}

// CreateComment comments on a post, optionally replying to a parent comment.
func (c *Client) CreateComment(ctx context.Context, postID, content, parentID string) (*types.Comment, error) {
	body := map[string]string{
		"post_id": postID,
		"content": content,
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var out struct {
		Comment types.Comment `json:"comment"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/comments", body, &out); err != nil {
		return nil, err
	}
	return &out.Comment, nil
}

// Vote votes on a post or comment.
func (c *Client) Vote(ctx context.Context, targetID string, direction types.VoteDirection, target types.TargetType) error {
	body := map[string]string{
		"target_id":   targetID,
		"direction":   string(direction),
		"target_type": string(target),
	}
	return c.do(ctx, http.MethodPost, "/api/v1/vote", body, nil)
}

// Subscribe subscribes the agent to a submolt.
func (c *Client) Subscribe(ctx context.Context, name string) error {
	path := "/api/v1/submolts/" + url.PathEscape(name) + "/subscribe"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Unsubscribe removes a submolt subscription.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	path := "/api/v1/submolts/" + url.PathEscape(name) + "/unsubscribe"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Search runs a semantic search, optionally filtered by result type.
func (c *Client) Search(ctx context.Context, query, typ string, limit int) ([]types.SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	if typ != "" {
		q.Set("type", typ)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Results []types.SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CheckDMs returns a read-only snapshot of direct-message activity.
func (c *Client) CheckDMs(ctx context.Context) (*types.DMActivity, error) {
	var out types.DMActivity
	if err := c.do(ctx, http.MethodGet, "/api/v1/dms/activity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do issues one API call with the client's retry policy. Network errors,
// 429 and 5xx responses are retried with doubling backoff; other statuses
// fail immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Message: fmt.Sprintf("encode request: %v", err)}
		}
	}

	delay := c.baseDelay
	var lastErr *Error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := delay
			if lastErr != nil && lastErr.RetryAfter > 0 {
				wait = lastErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return &Error{Message: "request canceled: " + ctx.Err().Error(), Retryable: true}
			case <-time.After(wait):
			}
			delay *= 2
		}

		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !err.Retryable {
			return err
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) *Error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: fmt.Sprintf("%s %s: %v", method, path, err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("decode response: %v", err),
			}
		}
	}
	return nil
}

func errorFromResponse(resp *http.Response) *Error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := resp.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}

	e := &Error{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
	if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
		e.RetryAfter = time.Duration(sec) * time.Second
	}
	return e
}
