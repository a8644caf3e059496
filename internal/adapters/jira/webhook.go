package jira

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/alekspetrov/recap/internal/adapters"
	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
)

// WebhookEventType represents the type of webhook event
type WebhookEventType string

const (
	EventIssueCreated WebhookEventType = "jira:issue_created"
	EventIssueUpdated WebhookEventType = "jira:issue_updated"
	EventIssueDeleted WebhookEventType = "jira:issue_deleted"
	EventCommentAdded WebhookEventType = "comment_created"
)

// ErrInvalidSignature is returned when the webhook signature does not match.
var ErrInvalidSignature = fmt.Errorf("invalid jira webhook signature: %w", adapters.ErrUnauthorized)

// VerifySignature verifies the HMAC-SHA256 webhook signature. The
// signature may carry a "sha256=" prefix. An empty secret skips checks.
func VerifySignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.TrimPrefix(signature, "sha256=")), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePayload decodes and validates a webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, durable.NewValidationError("body", "invalid JSON: %v", err)
	}
	if p.WebhookEvent == "" {
		return nil, durable.NewValidationError("webhookEvent", "event type is required")
	}
	if p.Issue == nil || p.Issue.Key == "" {
		return nil, durable.NewValidationError("issue.key", "issue key is required")
	}
	return &p, nil
}

// StatusMapper normalizes Jira status names, which are workflow specific.
type StatusMapper struct {
	done map[string]bool
}

// NewStatusMapper treats the given names as resolved, case-insensitively.
func NewStatusMapper(doneStatuses []string) *StatusMapper {
	m := &StatusMapper{done: make(map[string]bool)}
	for _, s := range doneStatuses {
		m.done[strings.ToLower(s)] = true
	}
	return m
}

// Name maps a status name.
func (m *StatusMapper) Name(name string) completion.ItemStatus {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "":
		return completion.StatusUnknown
	case n == "closed":
		return completion.StatusClosed
	case m.done[n]:
		return completion.StatusResolved
	case n == "open" || n == "to do" || n == "backlog":
		return completion.StatusOpen
	case n == "in progress" || n == "in review":
		return completion.StatusInProgress
	default:
		return completion.StatusUnknown
	}
}

// Status maps an issue status, falling back to its category.
func (m *StatusMapper) Status(s Status) completion.ItemStatus {
	if st := m.Name(s.Name); st != completion.StatusUnknown {
		return st
	}
	switch s.StatusCategory.Key {
	case CategoryDone:
		return completion.StatusResolved
	case CategoryInProgress:
		return completion.StatusInProgress
	case CategoryNew:
		return completion.StatusOpen
	default:
		return completion.StatusUnknown
	}
}

// ToEvent normalizes a webhook payload. deliveryID is the
// X-Atlassian-Webhook-Identifier header, when present.
func (m *StatusMapper) ToEvent(p *WebhookPayload, deliveryID string) completion.Event {
	ev := completion.Event{
		ID:          deliveryID,
		Source:      AdapterName,
		Type:        eventType(p.WebhookEvent),
		ItemKey:     p.Issue.Key,
		ProjectKey:  p.Issue.Fields.Project.Key,
		Summary:     p.Issue.Fields.Summary,
		Description: TextOf(p.Issue.Fields.Description),
		Status:      m.Status(p.Issue.Fields.Status),
	}
	if ev.ID == "" && p.Timestamp != 0 {
		ev.ID = p.Issue.ID + "-" + strconv.FormatInt(p.Timestamp, 10)
	}
	if ev.ProjectKey == "" {
		if i := strings.LastIndex(ev.ItemKey, "-"); i > 0 {
			ev.ProjectKey = ev.ItemKey[:i]
		}
	}
	if p.Changelog != nil {
		for _, item := range p.Changelog.Items {
			if item.Field != "status" {
				continue
			}
			ev.StatusChange = &completion.StatusChange{
				From: m.Name(item.FromString),
				To:   m.Name(item.ToString),
			}
			break
		}
	}
	return ev
}

func eventType(e string) completion.EventType {
	switch WebhookEventType(e) {
	case EventIssueCreated:
		return completion.EventItemCreated
	case EventIssueUpdated:
		return completion.EventItemUpdated
	case EventIssueDeleted:
		return completion.EventItemDeleted
	case EventCommentAdded:
		return completion.EventItemCommented
	default:
		return completion.EventOther
	}
}
