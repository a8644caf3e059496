package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
)

const maxComments = 100

// Client is a Backlog API v2 client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Backlog client for the space at baseURL
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from Backlog
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backlog API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// doRequest performs an authenticated request. Client errors that cannot
// succeed on retry are returned as permanent.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, form url.Values, result any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)
	endpoint := c.baseURL + "/api/v2" + path + "?" + query.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if !apiErr.Retryable() {
			return durable.Permanent(apiErr)
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// GetIssue fetches an issue by key (e.g., "PROJ-42")
func (c *Client) GetIssue(ctx context.Context, issueKey string) (*Issue, error) {
	var issue Issue
	if err := c.doRequest(ctx, http.MethodGet, "/issues/"+url.PathEscape(issueKey), nil, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueKey, err)
	}
	return &issue, nil
}

// GetComments fetches an issue's comments oldest first
func (c *Client) GetComments(ctx context.Context, issueKey string) ([]Comment, error) {
	query := url.Values{}
	query.Set("order", "asc")
	query.Set("count", fmt.Sprint(maxComments))

	var comments []Comment
	if err := c.doRequest(ctx, http.MethodGet, "/issues/"+url.PathEscape(issueKey)+"/comments", query, nil, &comments); err != nil {
		return nil, fmt.Errorf("get comments of %s: %w", issueKey, err)
	}
	return comments, nil
}

// AddComment posts a comment to an issue
func (c *Client) AddComment(ctx context.Context, issueKey, content string) (*Comment, error) {
	form := url.Values{}
	form.Set("content", content)

	var comment Comment
	if err := c.doRequest(ctx, http.MethodPost, "/issues/"+url.PathEscape(issueKey)+"/comments", nil, form, &comment); err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", issueKey, err)
	}
	return &comment, nil
}

// IssueURL returns the browser URL of an issue
func (c *Client) IssueURL(issueKey string) string {
	return c.baseURL + "/view/" + issueKey
}
