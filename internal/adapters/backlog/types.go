package backlog

// Config holds Backlog adapter configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"` // e.g., "https://example.backlog.com"
	APIKey  string `yaml:"api_key"`
	// WebhookToken, when set, must be passed as the "token" query
	// parameter of the webhook URL. Backlog does not sign webhooks.
	WebhookToken string `yaml:"webhook_token"`
}

// DefaultConfig returns default Backlog configuration
func DefaultConfig() *Config {
	return &Config{Enabled: false}
}

// Webhook event types
const (
	EventIssueCreated   = 1
	EventIssueUpdated   = 2
	EventIssueCommented = 3
	EventIssueDeleted   = 4
)

// Standard status IDs
const (
	StatusOpen       = 1
	StatusInProgress = 2
	StatusResolved   = 3
	StatusClosed     = 4
)

// Issue is the subset of GET /issues/:key the workflow reads
type Issue struct {
	ID          int     `json:"id"`
	ProjectID   int     `json:"projectId"`
	IssueKey    string  `json:"issueKey"`
	KeyID       int     `json:"keyId"`
	Summary     string  `json:"summary"`
	Description string  `json:"description"`
	Status      *IDName `json:"status,omitempty"`
	IssueType   *IDName `json:"issueType,omitempty"`
	Priority    *IDName `json:"priority,omitempty"`
	Assignee    *User   `json:"assignee,omitempty"`
	CreatedUser *User   `json:"createdUser,omitempty"`
	Created     string  `json:"created"`
	Updated     string  `json:"updated"`
}

// IDName is Backlog's common {id, name} pair
type IDName struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// User represents a Backlog user
type User struct {
	ID          int    `json:"id"`
	UserID      string `json:"userId,omitempty"`
	Name        string `json:"name"`
	MailAddress string `json:"mailAddress,omitempty"`
}

// Comment represents an issue comment
type Comment struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	CreatedUser *User  `json:"createdUser,omitempty"`
	Created     string `json:"created"`
}

// WebhookPayload is the body Backlog posts for project events
type WebhookPayload struct {
	ID          int64           `json:"id"`
	Type        int             `json:"type"`
	Project     *Project        `json:"project"`
	Content     *WebhookContent `json:"content"`
	CreatedUser *User           `json:"createdUser,omitempty"`
	Created     string          `json:"created"`
}

// Project represents a Backlog project
type Project struct {
	ID         int    `json:"id"`
	ProjectKey string `json:"projectKey"`
	Name       string `json:"name"`
}

// WebhookContent is the issue part of a webhook payload
type WebhookContent struct {
	ID          int      `json:"id"`
	KeyID       int      `json:"key_id"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Status      *IDName  `json:"status,omitempty"`
	Changes     []Change `json:"changes,omitempty"`
}

// Change is one field change of an update event
type Change struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	Type     string `json:"type,omitempty"`
}
