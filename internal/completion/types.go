// Package completion is the approval workflow for completed tracker items:
// summarize the item, ask a reviewer in chat, and post the summary back as
// a comment once approved.
package completion

import (
	"context"
	"time"
)

// Item is the tracked work item.
type Item struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// Comment is one entry of an item's discussion history.
type Comment struct {
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository is the tracking system holding the items.
type Repository interface {
	GetItem(ctx context.Context, key string) (*Item, error)
	// GetHistory returns comments oldest first with empty entries removed.
	GetHistory(ctx context.Context, key string) ([]Comment, error)
	AddComment(ctx context.Context, key, text string) error
	DisplayURL(key string) string
}

// Repositories finds the repository behind a webhook source.
type Repositories interface {
	For(source string) (Repository, error)
}

type singleRepository struct{ repo Repository }

func (s singleRepository) For(string) (Repository, error) { return s.repo, nil }

// SingleRepository serves every source from repo.
func SingleRepository(repo Repository) Repositories {
	return singleRepository{repo: repo}
}

// Notifier posts messages to the reviewers' channel.
type Notifier interface {
	PostMessage(ctx context.Context, msg Message) (*PostedMessage, error)
}

// MessageUpdater is implemented by notifiers that can edit a posted message.
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, posted PostedMessage, msg Message) error
}

// Summarizer turns a prompt into a summary with one request.
type Summarizer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BlockKind is the type of a message block.
type BlockKind string

const (
	BlockHeader  BlockKind = "header"
	BlockSection BlockKind = "section"
	BlockDivider BlockKind = "divider"
	BlockActions BlockKind = "actions"
)

// Block is a transport-neutral message block.
type Block struct {
	Kind    BlockKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	BlockID string    `json:"block_id,omitempty"`
	Buttons []Button  `json:"buttons,omitempty"`
}

// ButtonStyle colours an action button.
type ButtonStyle string

const (
	StylePrimary ButtonStyle = "primary"
	StyleDanger  ButtonStyle = "danger"
)

// Button is one action in an actions block. Value is opaque to the chat
// platform and returned verbatim on click.
type Button struct {
	ActionID string      `json:"action_id"`
	Text     string      `json:"text"`
	Style    ButtonStyle `json:"style,omitempty"`
	Value    string      `json:"value"`
}

// Message is a chat message: fallback text plus optional blocks.
type Message struct {
	Text     string  `json:"text"`
	Blocks   []Block `json:"blocks,omitempty"`
	ThreadTS string  `json:"thread_ts,omitempty"`
}

// PostedMessage identifies a message after it was posted.
type PostedMessage struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// ActionValue is the payload carried by the approve and reject buttons.
type ActionValue struct {
	CallbackID string `json:"callbackId"`
	Approved   bool   `json:"approved"`
}

// Approval is the payload recorded when a reviewer approves.
type Approval struct {
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approvedBy"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Rejection is the payload recorded when a reviewer rejects.
type Rejection struct {
	RejectedBy string `json:"rejectedBy"`
}

// Outcome is the decision the workflow branches on.
type Outcome struct {
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedBy string     `json:"rejectedBy,omitempty"`
	TimedOut   bool       `json:"timedOut,omitempty"`
}

// Seed is the workflow input produced by the trigger.
type Seed struct {
	ItemKey     string     `json:"itemKey"`
	ProjectKey  string     `json:"projectKey"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      ItemStatus `json:"status"`
	Source      string     `json:"source"`
	EventID     string     `json:"eventId,omitempty"`
}

// Details is the snapshot recorded by the fetch-details step.
type Details struct {
	Item    Item      `json:"item"`
	History []Comment `json:"history"`
	URL     string    `json:"url"`
}

// Result is the output of a finished instance.
type Result struct {
	ItemKey    string `json:"itemKey"`
	Status     string `json:"status"`
	Approved   bool   `json:"approved"`
	ApprovedBy string `json:"approvedBy,omitempty"`
	RejectedBy string `json:"rejectedBy,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Summary    string `json:"summary"`
}
