package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alekspetrov/recap/internal/durable"
)

const (
	defaultAPIURL  = "https://slack.com/api"
	defaultTimeout = 30 * time.Second
)

// Client is a Slack Web API client. Calls share one token bucket sized for
// the chat.* rate tier.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit replaces the call pacing.
func WithRateLimit(every time.Duration, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// NewClient creates a Slack client authenticating with a bot token.
func NewClient(botToken string, opts ...ClientOption) *Client {
	c := &Client{
		token:   botToken,
		baseURL: defaultAPIURL,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is returned when Slack answers with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack API error on %s: %s", e.Method, e.Code)
}

// fatalCodes cannot succeed without operator action.
var fatalCodes = map[string]bool{
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"missing_scope":     true,
	"channel_not_found": true,
	"is_archived":       true,
	"not_in_channel":    true,
	"invalid_blocks":    true,
	"msg_too_long":      true,
}

// RateLimitedError is returned for HTTP 429 answers.
type RateLimitedError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("slack rate limited %s, retry after %s", e.Method, e.RetryAfter)
}

// Message is a chat.postMessage / chat.update payload.
type Message struct {
	Channel  string `json:"channel"`
	TS       string `json:"ts,omitempty"`
	Text     string `json:"text,omitempty"`
	Blocks   []any  `json:"blocks,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// PostMessageResponse is the answer to chat.postMessage and chat.update.
type PostMessageResponse struct {
	OK      bool   `json:"ok"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// PostMessage posts a message to a channel.
func (c *Client) PostMessage(ctx context.Context, msg *Message) (*PostMessageResponse, error) {
	var result PostMessageResponse
	if err := c.call(ctx, "chat.postMessage", msg, &result); err != nil {
		return nil, err
	}
	if err := checkOK("chat.postMessage", result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateMessage replaces the content of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts string, msg *Message) error {
	payload := *msg
	payload.Channel, payload.TS, payload.ThreadTS = channel, ts, ""

	var result PostMessageResponse
	if err := c.call(ctx, "chat.update", &payload, &result); err != nil {
		return err
	}
	return checkOK("chat.update", result)
}

func checkOK(method string, r PostMessageResponse) error {
	if r.OK {
		return nil
	}
	err := &APIError{Method: method, Code: r.Error}
	if fatalCodes[r.Error] {
		return durable.Permanent(err)
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitedError{Method: method, RetryAfter: time.Duration(secs) * time.Second}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
