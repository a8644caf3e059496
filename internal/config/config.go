package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/recap/internal/adapters/backlog"
	"github.com/alekspetrov/recap/internal/adapters/jira"
	"github.com/alekspetrov/recap/internal/adapters/slack"
	"github.com/alekspetrov/recap/internal/archive"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/gateway"
	"github.com/alekspetrov/recap/internal/logging"
	"github.com/alekspetrov/recap/internal/store/redisstore"
	"github.com/alekspetrov/recap/internal/summarizer"
	"github.com/alekspetrov/recap/internal/webhooks"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config represents the main configuration
type Config struct {
	Version    string              `yaml:"version"`
	Gateway    *gateway.Config     `yaml:"gateway"`
	Auth       *gateway.AuthConfig `yaml:"auth"`
	Logging    *logging.Config     `yaml:"logging"`
	Store      *StoreConfig        `yaml:"store"`
	Workflow   *WorkflowConfig     `yaml:"workflow"`
	Backlog    *backlog.Config     `yaml:"backlog"`
	Jira       *jira.Config        `yaml:"jira"`
	Slack      *slack.Config       `yaml:"slack"`
	Summarizer *summarizer.Config  `yaml:"summarizer"`
	Webhooks   *webhooks.Config    `yaml:"webhooks"`
	Archive    *archive.Config     `yaml:"archive"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Type string `yaml:"type"` // sqlite, redis, memory
	// Path is the SQLite database file.
	Path  string             `yaml:"path"`
	Redis *redisstore.Config `yaml:"redis"`
	// LockTTL bounds how long a redis instance lock survives a crashed holder.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// WorkflowConfig holds executor and approval settings.
type WorkflowConfig struct {
	ApprovalTimeout time.Duration         `yaml:"approval_timeout"`
	Workers         int                   `yaml:"workers"`
	QueueSize       int                   `yaml:"queue_size"`
	Retry           durable.RetryPolicy   `yaml:"retry"`
	Sweeper         durable.SweeperConfig `yaml:"sweeper"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	opts := durable.DefaultOptions()
	return &Config{
		Version: "1.0",
		Gateway: &gateway.Config{
			Host: "127.0.0.1",
			Port: 9090,
		},
		Auth: &gateway.AuthConfig{
			Type: gateway.AuthTypeLocal,
		},
		Logging: logging.DefaultConfig(),
		Store: &StoreConfig{
			Type:    StoreSQLite,
			Path:    filepath.Join(homeDir, ".recap", "recap.db"),
			Redis:   &redisstore.Config{Addr: "localhost:6379", KeyPrefix: "recap"},
			LockTTL: 5 * time.Minute,
		},
		Workflow: &WorkflowConfig{
			ApprovalTimeout: 24 * time.Hour,
			Workers:         opts.Workers,
			QueueSize:       opts.QueueSize,
			Retry:           opts.Retry,
			Sweeper:         durable.DefaultSweeperConfig(),
		},
		Backlog:    backlog.DefaultConfig(),
		Jira:       jira.DefaultConfig(),
		Slack:      slack.DefaultConfig(),
		Summarizer: summarizer.DefaultConfig(),
		Webhooks:   webhooks.DefaultConfig(),
		Archive:    archive.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Store != nil {
		config.Store.Path = expandPath(config.Store.Path)
	}
	if config.Logging != nil && config.Logging.Output != "stdout" && config.Logging.Output != "stderr" {
		config.Logging.Output = expandPath(config.Logging.Output)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".recap", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Gateway == nil {
		add("gateway configuration is required")
	} else if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		add("invalid gateway port: %d", c.Gateway.Port)
	}

	if c.Auth != nil {
		switch c.Auth.Type {
		case gateway.AuthTypeLocal:
		case gateway.AuthTypeAPIToken:
			if c.Auth.Token == "" {
				add("API token is required when auth type is api-token")
			}
		default:
			add("auth.type must be one of {local, api-token}, got %q", c.Auth.Type)
		}
	}

	if c.Logging != nil {
		if !oneOf(c.Logging.Level, "", "debug", "info", "warn", "error") {
			add("logging.level must be one of {debug, info, warn, error}, got %q", c.Logging.Level)
		}
		if !oneOf(c.Logging.Format, "", "text", "json") {
			add("logging.format must be one of {text, json}, got %q", c.Logging.Format)
		}
	}

	if c.Store == nil {
		add("store configuration is required")
	} else {
		switch c.Store.Type {
		case StoreSQLite:
			if c.Store.Path == "" {
				add("store.path is required for the sqlite store")
			}
		case StoreRedis:
			if c.Store.Redis == nil || c.Store.Redis.Addr == "" {
				add("store.redis.addr is required for the redis store")
			}
		case StoreMemory:
		default:
			add("store.type must be one of {sqlite, redis, memory}, got %q", c.Store.Type)
		}
	}

	if c.Workflow == nil {
		add("workflow configuration is required")
	} else {
		if c.Workflow.ApprovalTimeout <= 0 {
			add("workflow.approval_timeout must be positive")
		}
		if c.Workflow.Workers < 0 {
			add("workflow.workers must not be negative")
		}
		if c.Workflow.Retry.MaxAttempts < 0 {
			add("workflow.retry.max_attempts must not be negative")
		}
	}

	trackers := 0
	if c.Backlog != nil && c.Backlog.Enabled {
		trackers++
		if c.Backlog.BaseURL == "" || c.Backlog.APIKey == "" {
			add("backlog.base_url and backlog.api_key are required when backlog is enabled")
		}
	}
	if c.Jira != nil && c.Jira.Enabled {
		trackers++
		if c.Jira.BaseURL == "" || c.Jira.Username == "" || c.Jira.APIToken == "" {
			add("jira.base_url, jira.username and jira.api_token are required when jira is enabled")
		}
		if !oneOf(c.Jira.Platform, jira.PlatformCloud, jira.PlatformServer) {
			add("jira.platform must be one of {cloud, server}, got %q", c.Jira.Platform)
		}
	}
	if trackers == 0 {
		add("at least one tracker (backlog or jira) must be enabled")
	}

	if c.Slack == nil || c.Slack.BotToken == "" || c.Slack.Channel == "" {
		add("slack.bot_token and slack.channel are required")
	} else if c.Slack.SigningSecret == "" {
		add("slack.signing_secret is required to verify approval clicks")
	}

	if c.Summarizer == nil {
		add("summarizer configuration is required")
	} else if err := c.Summarizer.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Webhooks != nil {
		if err := c.Webhooks.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Archive != nil && c.Archive.Enabled && c.Archive.Bucket == "" {
		add("archive.bucket is required when archive is enabled")
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
