package jira

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/completion"
)

// AdapterName is the registry key and webhook source of the Jira adapter.
const AdapterName = "jira"

// Jira timestamps, e.g. 2026-03-01T09:00:00.000+0000.
const timeLayout = "2006-01-02T15:04:05.000-0700"

// Adapter exposes a Jira site as a completion tracker.
type Adapter struct {
	config   *Config
	client   *Client
	statuses *StatusMapper
}

// NewAdapter creates an Adapter from the given config.
func NewAdapter(cfg *Config) *Adapter {
	return &Adapter{
		config:   cfg,
		client:   NewClient(cfg.BaseURL, cfg.Username, cfg.APIToken, cfg.Platform),
		statuses: NewStatusMapper(cfg.DoneStatuses),
	}
}

// Name implements adapters.Tracker.
func (a *Adapter) Name() string { return AdapterName }

// Client returns the underlying Jira API client.
func (a *Adapter) Client() *Client { return a.client }

// GetItem implements completion.Repository.
func (a *Adapter) GetItem(ctx context.Context, key string) (*completion.Item, error) {
	issue, err := a.client.GetIssue(ctx, key)
	if err != nil {
		return nil, err
	}
	itemKey := issue.Key
	if itemKey == "" {
		itemKey = key
	}
	return &completion.Item{
		Key:         itemKey,
		Summary:     issue.Fields.Summary,
		Description: TextOf(issue.Fields.Description),
	}, nil
}

// GetHistory implements completion.Repository.
func (a *Adapter) GetHistory(ctx context.Context, key string) ([]completion.Comment, error) {
	comments, err := a.client.GetComments(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]completion.Comment, 0, len(comments))
	for _, c := range comments {
		text := TextOf(c.Body)
		if strings.TrimSpace(text) == "" {
			continue
		}
		entry := completion.Comment{AuthorName: c.Author.DisplayName, Content: text}
		if entry.AuthorName == "" {
			entry.AuthorName = c.Author.Name
		}
		if t, err := parseTime(c.Created); err == nil {
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
	return a.client.BrowseURL(key)
}

// ParseWebhook implements adapters.Tracker.
func (a *Adapter) ParseWebhook(r *http.Request, body []byte) (completion.Event, error) {
	if err := VerifySignature(a.config.WebhookSecret, body, r.Header.Get("X-Hub-Signature")); err != nil {
		return completion.Event{}, err
	}
	p, err := ParsePayload(body)
	if err != nil {
		return completion.Event{}, err
	}
	return a.statuses.ToEvent(p, r.Header.Get("X-Atlassian-Webhook-Identifier")), nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
