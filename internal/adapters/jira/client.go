package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
)

const (
	commentPageSize = 100
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 512
)

// Client talks to the Jira REST API. Cloud uses v3 with ADF bodies, Server
// and Data Center use v2 with plain text.
type Client struct {
	baseURL  string
	username string
	apiToken string
	platform string
	http     *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Jira client authenticating with basic auth: email and
// API token on Cloud, username and token on Server.
func NewClient(baseURL, username, apiToken, platform string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		apiToken: apiToken,
		platform: platform,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from Jira.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("jira API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("jira API error (status %d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// newAPIError extracts Jira's errorMessages and field errors, falling back
// to a truncated raw body.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Messages = append(apiErr.Messages, parsed.ErrorMessages...)
		for field, msg := range parsed.Errors {
			apiErr.Messages = append(apiErr.Messages, field+": "+msg)
		}
	}
	if len(apiErr.Messages) == 0 && len(body) > 0 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		apiErr.Messages = []string{string(body)}
	}
	return apiErr
}

func (c *Client) endpoint(path string, query url.Values) string {
	version := "2"
	if c.platform == PlatformCloud {
		version = "3"
	}
	u := c.baseURL + "/rest/api/" + version + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// call sends a JSON request and decodes the JSON answer into out. Answers
// that cannot succeed on retry come back as permanent errors.
func (c *Client) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := newAPIError(resp.StatusCode, raw)
		if !apiErr.Retryable() {
			return durable.Permanent(apiErr)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GetIssue fetches an issue by key, e.g. "PROJ-42".
func (c *Client) GetIssue(ctx context.Context, issueKey string) (*Issue, error) {
	query := url.Values{"fields": {"summary,description,status,project"}}
	var issue Issue
	if err := c.call(ctx, http.MethodGet, c.endpoint("/issue/"+url.PathEscape(issueKey), query), nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueKey, err)
	}
	return &issue, nil
}

// GetComments pages through every comment of an issue, oldest first.
func (c *Client) GetComments(ctx context.Context, issueKey string) ([]Comment, error) {
	path := "/issue/" + url.PathEscape(issueKey) + "/comment"
	var all []Comment
	for {
		query := url.Values{
			"orderBy":    {"created"},
			"startAt":    {strconv.Itoa(len(all))},
			"maxResults": {strconv.Itoa(commentPageSize)},
		}
		var page CommentsResponse
		if err := c.call(ctx, http.MethodGet, c.endpoint(path, query), nil, &page); err != nil {
			return nil, fmt.Errorf("get comments of %s: %w", issueKey, err)
		}
		all = append(all, page.Comments...)
		if len(page.Comments) == 0 || len(all) >= page.Total {
			return all, nil
		}
	}
}

// AddComment posts text as a comment on an issue.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) (*Comment, error) {
	var payload any = map[string]string{"body": text}
	if c.platform == PlatformCloud {
		payload = map[string]any{"body": adfDocument(text)}
	}

	var comment Comment
	if err := c.call(ctx, http.MethodPost, c.endpoint("/issue/"+url.PathEscape(issueKey)+"/comment", nil), payload, &comment); err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", issueKey, err)
	}
	return &comment, nil
}

// BrowseURL returns the browser URL of an issue.
func (c *Client) BrowseURL(issueKey string) string {
	return c.baseURL + "/browse/" + issueKey
}
