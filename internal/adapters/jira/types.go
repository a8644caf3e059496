package jira

import (
	"encoding/json"
	"strings"
)

// Config holds Jira adapter configuration
type Config struct {
	Enabled       bool     `yaml:"enabled"`
	Platform      string   `yaml:"platform"`       // "cloud" or "server"
	BaseURL       string   `yaml:"base_url"`       // e.g., "https://company.atlassian.net"
	Username      string   `yaml:"username"`       // Email for Cloud, username for Server
	APIToken      string   `yaml:"api_token"`      // API token (both Cloud and Server)
	WebhookSecret string   `yaml:"webhook_secret"` // For HMAC signature verification
	DoneStatuses  []string `yaml:"done_statuses"`  // Status names treated as resolved
}

// DefaultConfig returns default Jira configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		Platform:     PlatformCloud,
		DoneStatuses: []string{"Done", "Resolved"},
	}
}

// Platform types
const (
	PlatformCloud  = "cloud"
	PlatformServer = "server"
)

// Status category keys
const (
	CategoryNew        = "new"
	CategoryInProgress = "indeterminate"
	CategoryDone       = "done"
)

// Issue represents a Jira issue
type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Self   string `json:"self"`
	Fields Fields `json:"fields"`
}

// Fields represents Jira issue fields. Description is plain text on Server
// and an ADF document on Cloud.
type Fields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description,omitempty"`
	Status      Status          `json:"status"`
	Project     Project         `json:"project"`
}

// Status represents a Jira status
type Status struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	StatusCategory StatusCategory `json:"statusCategory"`
}

// StatusCategory represents a Jira status category
type StatusCategory struct {
	ID   int    `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// User represents a Jira user
type User struct {
	AccountID   string `json:"accountId,omitempty"` // Cloud
	Name        string `json:"name,omitempty"`      // Server
	DisplayName string `json:"displayName"`
}

// Project represents a Jira project
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Comment represents a Jira comment
type Comment struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Author  User            `json:"author"`
	Created string          `json:"created"`
}

// CommentsResponse is a page of GET /issue/{key}/comment
type CommentsResponse struct {
	Comments   []Comment `json:"comments"`
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
}

// WebhookPayload represents a Jira webhook payload
type WebhookPayload struct {
	WebhookEvent string     `json:"webhookEvent"`
	Timestamp    int64      `json:"timestamp"`
	User         *User      `json:"user,omitempty"`
	Issue        *Issue     `json:"issue,omitempty"`
	Changelog    *Changelog `json:"changelog,omitempty"`
}

// Changelog represents changes in a webhook event
type Changelog struct {
	ID    string          `json:"id"`
	Items []ChangelogItem `json:"items"`
}

// ChangelogItem represents a single change in the changelog
type ChangelogItem struct {
	Field      string `json:"field"`
	FieldType  string `json:"fieldtype"`
	From       string `json:"from"`
	FromString string `json:"fromString"`
	To         string `json:"to"`
	ToString   string `json:"toString"`
}

// TextOf returns the plain text of a description or comment body, which
// is either a JSON string or an ADF document.
func TextOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var sb strings.Builder
	extractADFText(node, &sb)
	return strings.TrimSpace(sb.String())
}

// extractADFText recursively extracts text from ADF nodes
func extractADFText(node map[string]any, sb *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		sb.WriteString(text)
	}
	content, ok := node["content"].([]any)
	if !ok {
		return
	}
	for _, item := range content {
		if child, ok := item.(map[string]any); ok {
			extractADFText(child, sb)
		}
	}
	switch node["type"] {
	case "paragraph", "heading", "listItem", "codeBlock":
		sb.WriteString("\n")
	}
}

// adfDocument wraps plain text as an ADF document with one paragraph per line.
func adfDocument(text string) map[string]any {
	var paragraphs []map[string]any
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		p := map[string]any{"type": "paragraph"}
		if line != "" {
			p["content"] = []map[string]any{{"type": "text", "text": line}}
		}
		paragraphs = append(paragraphs, p)
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}
