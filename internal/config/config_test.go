package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/gateway"
	"github.com/alekspetrov/recap/internal/summarizer"
	"github.com/alekspetrov/recap/internal/testutil"
	"github.com/alekspetrov/recap/internal/webhooks"
)

// validConfig returns defaults plus the minimum needed to serve.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Backlog.Enabled = true
	cfg.Backlog.BaseURL = "https://example.backlog.com"
	cfg.Backlog.APIKey = testutil.FakeBacklogAPIKey
	cfg.Slack.BotToken = testutil.FakeSlackBotToken
	cfg.Slack.SigningSecret = testutil.FakeSlackSigningSecret
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Version != "1.0" {
		t.Errorf("Version = %q, want %q", config.Version, "1.0")
	}
	if config.Gateway.Host != "127.0.0.1" || config.Gateway.Port != 9090 {
		t.Errorf("Gateway = %+v", config.Gateway)
	}
	if config.Auth.Type != gateway.AuthTypeLocal {
		t.Errorf("Auth.Type = %q, want %q", config.Auth.Type, gateway.AuthTypeLocal)
	}
	if config.Store.Type != StoreSQLite || !strings.HasSuffix(config.Store.Path, filepath.Join(".recap", "recap.db")) {
		t.Errorf("Store = %+v", config.Store)
	}
	if config.Workflow.ApprovalTimeout != 24*time.Hour {
		t.Errorf("ApprovalTimeout = %v, want 24h", config.Workflow.ApprovalTimeout)
	}
	if config.Workflow.Retry.MaxAttempts != durable.DefaultRetryPolicy().MaxAttempts {
		t.Errorf("Retry = %+v", config.Workflow.Retry)
	}
	if config.Workflow.Sweeper.TimeoutSchedule == "" {
		t.Error("Sweeper.TimeoutSchedule is empty")
	}
	if config.Backlog.Enabled || config.Jira.Enabled || config.Webhooks.Enabled || config.Archive.Enabled {
		t.Error("optional integrations should be disabled by default")
	}
	if config.Summarizer.Provider != summarizer.ProviderBedrock {
		t.Errorf("Summarizer.Provider = %q", config.Summarizer.Provider)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Gateway.Port != 9090 {
			t.Errorf("Port = %d", cfg.Gateway.Port)
		}
	})

	t.Run("overrides and env expansion", func(t *testing.T) {
		t.Setenv("RECAP_TEST_SLACK_TOKEN", testutil.FakeSlackBotToken)
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
gateway:
  host: 0.0.0.0
  port: 8443
store:
  type: redis
  redis:
    addr: redis:6379
    key_prefix: prod
workflow:
  approval_timeout: 2h
  retry:
    max_attempts: 7
    initial_backoff: 500ms
  sweeper:
    timeout_schedule: "@every 30s"
    stale_after: 5m
slack:
  bot_token: ${RECAP_TEST_SLACK_TOKEN}
  channel: "#approvals"
jira:
  enabled: true
  base_url: https://company.atlassian.net
  done_statuses: [Done, Shipped]
webhooks:
  enabled: true
  endpoints:
    - name: audit
      url: https://hooks.example.com/recap
      enabled: true
      events: [instance.failed]
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 8443 {
			t.Errorf("Gateway = %+v", cfg.Gateway)
		}
		if cfg.Store.Type != StoreRedis || cfg.Store.Redis.Addr != "redis:6379" || cfg.Store.Redis.KeyPrefix != "prod" {
			t.Errorf("Store = %+v redis=%+v", cfg.Store, cfg.Store.Redis)
		}
		if cfg.Workflow.ApprovalTimeout != 2*time.Hour {
			t.Errorf("ApprovalTimeout = %v", cfg.Workflow.ApprovalTimeout)
		}
		if cfg.Workflow.Retry.MaxAttempts != 7 || cfg.Workflow.Retry.InitialBackoff != 500*time.Millisecond {
			t.Errorf("Retry = %+v", cfg.Workflow.Retry)
		}
		if cfg.Workflow.Sweeper.TimeoutSchedule != "@every 30s" {
			t.Errorf("Sweeper = %+v", cfg.Workflow.Sweeper)
		}
		// Fields absent from the file keep their defaults.
		if cfg.Workflow.Sweeper.PurgeSchedule != "@daily" {
			t.Errorf("PurgeSchedule = %q, want default", cfg.Workflow.Sweeper.PurgeSchedule)
		}
		if cfg.Workflow.Sweeper.StaleAfter != 5*time.Minute || cfg.Workflow.Sweeper.StaleSchedule != "@every 1m" {
			t.Errorf("stale resume = %q after %v", cfg.Workflow.Sweeper.StaleSchedule, cfg.Workflow.Sweeper.StaleAfter)
		}
		if cfg.Slack.BotToken != testutil.FakeSlackBotToken || cfg.Slack.Channel != "#approvals" {
			t.Errorf("Slack = %+v", cfg.Slack)
		}
		if !cfg.Jira.Enabled || len(cfg.Jira.DoneStatuses) != 2 || cfg.Jira.Platform != "cloud" {
			t.Errorf("Jira = %+v", cfg.Jira)
		}
		if len(cfg.Webhooks.Endpoints) != 1 || !cfg.Webhooks.Endpoints[0].SubscribesTo(durable.EventFailed) ||
			cfg.Webhooks.Endpoints[0].SubscribesTo(durable.EventCompleted) {
			t.Errorf("Webhooks = %+v", cfg.Webhooks.Endpoints)
		}
	})

	t.Run("tilde paths expand", func(t *testing.T) {
		home, _ := os.UserHomeDir()
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("store:\n  path: ~/data/recap.db\n"), 0600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Store.Path != filepath.Join(home, "data", "recap.db") {
			t.Errorf("Store.Path = %q", cfg.Store.Path)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("gateway: [unclosed"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Load() should fail on invalid YAML")
		}
	})
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	cfg.Gateway.Port = 9191

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.Port != 9191 || loaded.Backlog.APIKey != testutil.FakeBacklogAPIKey {
		t.Errorf("round trip lost fields: %+v", loaded.Gateway)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errSubstr string
	}{
		{"valid", func(*Config) {}, ""},
		{"nil gateway", func(c *Config) { c.Gateway = nil }, "gateway configuration is required"},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "invalid gateway port"},
		{"token auth without token", func(c *Config) { c.Auth.Type = gateway.AuthTypeAPIToken }, "API token is required"},
		{"unknown auth type", func(c *Config) { c.Auth.Type = "oauth" }, "auth.type must be one of"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level must be one of"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format must be one of"},
		{"unknown store", func(c *Config) { c.Store.Type = "postgres" }, "store.type must be one of"},
		{"redis without addr", func(c *Config) { c.Store.Type = StoreRedis; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"memory store", func(c *Config) { c.Store.Type = StoreMemory }, ""},
		{"zero approval timeout", func(c *Config) { c.Workflow.ApprovalTimeout = 0 }, "approval_timeout"},
		{"no trackers", func(c *Config) { c.Backlog.Enabled = false }, "at least one tracker"},
		{"backlog without key", func(c *Config) { c.Backlog.APIKey = "" }, "backlog.api_key"},
		{"jira incomplete", func(c *Config) { c.Jira.Enabled = true }, "jira.base_url"},
		{"jira bad platform", func(c *Config) {
			c.Jira.Enabled = true
			c.Jira.BaseURL = "https://x.atlassian.net"
			c.Jira.Username = "bot@example.com"
			c.Jira.APIToken = testutil.FakeJiraToken
			c.Jira.Platform = "datacenter"
		}, "jira.platform must be one of"},
		{"slack without token", func(c *Config) { c.Slack.BotToken = "" }, "slack.bot_token"},
		{"slack without signing secret", func(c *Config) { c.Slack.SigningSecret = "" }, "slack.signing_secret"},
		{"anthropic without key", func(c *Config) { c.Summarizer.Provider = summarizer.ProviderAnthropic }, "summarizer.api_key"},
		{"bad webhook url", func(c *Config) {
			c.Webhooks.Enabled = true
			c.Webhooks.Endpoints = []*webhooks.EndpointConfig{{URL: "not a url"}}
		}, "webhooks.endpoints[0].url"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSubstr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.errSubstr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Port = 0
	cfg.Store.Type = "etcd"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"invalid gateway port", "store.type"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in, want string
	}{
		{"~/recap.db", filepath.Join(home, "recap.db")},
		{"/var/lib/recap.db", "/var/lib/recap.db"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if !strings.HasSuffix(DefaultConfigPath(), filepath.Join(".recap", "config.yaml")) {
		t.Errorf("DefaultConfigPath() = %q", DefaultConfigPath())
	}
}
