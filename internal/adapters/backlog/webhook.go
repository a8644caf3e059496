package backlog

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alekspetrov/recap/internal/adapters"
	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
)

// ErrInvalidToken is returned when the webhook token does not match.
var ErrInvalidToken = fmt.Errorf("invalid backlog webhook token: %w", adapters.ErrUnauthorized)

// VerifyToken checks the token query parameter against the configured
// webhook token. An empty expected token accepts every request.
func VerifyToken(r *http.Request, expected string) error {
	if expected == "" {
		return nil
	}
	got := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// ParsePayload decodes and validates a webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, durable.NewValidationError("body", "invalid JSON: %v", err)
	}
	if p.Type == 0 {
		return nil, durable.NewValidationError("type", "event type is required")
	}
	if p.Project == nil || p.Project.ProjectKey == "" {
		return nil, durable.NewValidationError("project.projectKey", "project key is required")
	}
	if p.Content == nil {
		return nil, durable.NewValidationError("content", "content is required")
	}
	return &p, nil
}

// ToEvent normalizes a webhook payload.
func ToEvent(p *WebhookPayload) completion.Event {
	ev := completion.Event{
		Source:     AdapterName,
		Type:       eventType(p.Type),
		ProjectKey: p.Project.ProjectKey,
	}
	if p.ID != 0 {
		ev.ID = strconv.FormatInt(p.ID, 10)
	}
	if p.Content.KeyID != 0 {
		ev.ItemKey = fmt.Sprintf("%s-%d", p.Project.ProjectKey, p.Content.KeyID)
	}
	ev.Summary = p.Content.Summary
	ev.Description = p.Content.Description
	if p.Content.Status != nil {
		ev.Status = statusFromID(p.Content.Status.ID)
	}
	for _, c := range p.Content.Changes {
		if c.Field != "status" {
			continue
		}
		ev.StatusChange = &completion.StatusChange{
			From: statusFromString(c.OldValue),
			To:   statusFromString(c.NewValue),
		}
		break
	}
	return ev
}

func eventType(t int) completion.EventType {
	switch t {
	case EventIssueCreated:
		return completion.EventItemCreated
	case EventIssueUpdated:
		return completion.EventItemUpdated
	case EventIssueCommented:
		return completion.EventItemCommented
	case EventIssueDeleted:
		return completion.EventItemDeleted
	default:
		return completion.EventOther
	}
}

func statusFromID(id int) completion.ItemStatus {
	switch id {
	case StatusOpen:
		return completion.StatusOpen
	case StatusInProgress:
		return completion.StatusInProgress
	case StatusResolved:
		return completion.StatusResolved
	case StatusClosed:
		return completion.StatusClosed
	default:
		return completion.StatusUnknown
	}
}

// statusFromString maps a change value, which carries the status ID as
// text. Unparseable values map to StatusUnknown.
func statusFromString(v string) completion.ItemStatus {
	id, err := strconv.Atoi(v)
	if err != nil {
		return completion.StatusUnknown
	}
	return statusFromID(id)
}
