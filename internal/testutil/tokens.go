// Package testutil provides shared fixtures for recap tests.
package testutil

// Obviously fake credentials so secret scanners stay quiet.
const (
	// FakeSlackBotToken is a Slack bot token for client tests.
	FakeSlackBotToken = "test-slack-bot-token"

	// FakeSlackSigningSecret signs Slack interaction payloads in tests.
	FakeSlackSigningSecret = "test-slack-signing-secret"

	// FakeBacklogAPIKey is a Backlog API key for client tests.
	FakeBacklogAPIKey = "test-backlog-api-key"

	// FakeJiraToken is a Jira API token.
	FakeJiraToken = "test-jira-token"

	// FakeAnthropicKey is an Anthropic API key.
	FakeAnthropicKey = "test-anthropic-api-key"

	// FakeBearerToken authenticates gateway API requests in tests.
	FakeBearerToken = "test-bearer-token"

	// FakeWebhookSecret signs outbound lifecycle webhooks.
	FakeWebhookSecret = "test-webhook-secret"
)
