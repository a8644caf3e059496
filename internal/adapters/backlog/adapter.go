package backlog

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/completion"
)

// AdapterName is the registry key and webhook source of the Backlog adapter.
const AdapterName = "backlog"

// Adapter exposes a Backlog space as a completion tracker.
type Adapter struct {
	config *Config
	client *Client
}

// NewAdapter creates an Adapter from the given config.
func NewAdapter(cfg *Config) *Adapter {
	return &Adapter{config: cfg, client: NewClient(cfg.BaseURL, cfg.APIKey)}
}

// Name implements adapters.Tracker.
func (a *Adapter) Name() string { return AdapterName }

// Client returns the underlying Backlog API client.
func (a *Adapter) Client() *Client { return a.client }

// GetItem implements completion.Repository.
func (a *Adapter) GetItem(ctx context.Context, key string) (*completion.Item, error) {
	issue, err := a.client.GetIssue(ctx, key)
	if err != nil {
		return nil, err
	}
	itemKey := issue.IssueKey
	if itemKey == "" {
		itemKey = key
	}
	return &completion.Item{Key: itemKey, Summary: issue.Summary, Description: issue.Description}, nil
}

// GetHistory implements completion.Repository. Status-only updates appear
// as comments without content and are dropped.
func (a *Adapter) GetHistory(ctx context.Context, key string) ([]completion.Comment, error) {
	comments, err := a.client.GetComments(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]completion.Comment, 0, len(comments))
	for _, c := range comments {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		entry := completion.Comment{Content: c.Content}
		if c.CreatedUser != nil {
			entry.AuthorName = c.CreatedUser.Name
		}
		if t, err := time.Parse(time.RFC3339, c.Created); err == nil {
			entry.CreatedAt = t.UTC()
		}
		out = append(out, entry)
	}
	return out, nil
}

// AddComment implements completion.Repository.
func (a *Adapter) AddComment(ctx context.Context, key, text string) error {
	_, err := a.client.AddComment(ctx, key, text)
	return err
}

// DisplayURL implements completion.Repository.
func (a *Adapter) DisplayURL(key string) string {
	return a.client.IssueURL(key)
}

// ParseWebhook implements adapters.Tracker.
func (a *Adapter) ParseWebhook(r *http.Request, body []byte) (completion.Event, error) {
	if err := VerifyToken(r, a.config.WebhookToken); err != nil {
		return completion.Event{}, err
	}
	p, err := ParsePayload(body)
	if err != nil {
		return completion.Event{}, err
	}
	return ToEvent(p), nil
}
