package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/recap/internal/config"
	"github.com/alekspetrov/recap/internal/gateway"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Recap configuration",
		Long: `View and validate Recap configuration.

Configuration File Location:
  Default: ~/.recap/config.yaml
  Override with --config flag`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigPathCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := maskSecrets(cfg)

			if outputJSON {
				return writeJSON(cmd, masked)
			}
			data, err := yaml.Marshal(masked)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long: `Check the configuration file for syntax errors and validation issues.
Every problem found is reported, not only the first.

Exit Codes:
  0    Configuration is valid
  1    Syntax errors or validation failures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return fmt.Errorf("config file does not exist: %s", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("invalid YAML syntax: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed:\n%w", err)
			}

			var warnings []string
			if cfg.Auth != nil && cfg.Auth.Type == gateway.AuthTypeLocal && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" {
				warnings = append(warnings, "gateway listens beyond loopback but the API uses local auth; remote API calls will be rejected")
			}
			if cfg.Store.Type == config.StoreMemory {
				warnings = append(warnings, "memory store loses pending approvals on restart")
			}
			if cfg.Backlog.Enabled && cfg.Backlog.WebhookToken == "" {
				warnings = append(warnings, "backlog.webhook_token is empty; backlog webhooks are unauthenticated")
			}
			if cfg.Jira.Enabled && cfg.Jira.WebhookSecret == "" {
				warnings = append(warnings, "jira.webhook_secret is empty; jira webhooks are unauthenticated")
			}

			out := cmd.OutOrStdout()
			for _, w := range warnings {
				fmt.Fprintln(out, warnStyle.Render("⚠ "+w))
			}
			fmt.Fprintln(out, successStyle.Render("✓ Configuration is valid"))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	}
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) *config.Config {
	// Round-trip through JSON for a deep copy.
	data, _ := json.Marshal(cfg)
	masked := config.DefaultConfig()
	_ = json.Unmarshal(data, masked)

	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	if masked.Auth != nil {
		mask(&masked.Auth.Token)
	}
	if masked.Store != nil && masked.Store.Redis != nil {
		mask(&masked.Store.Redis.Password)
	}
	if masked.Backlog != nil {
		mask(&masked.Backlog.APIKey)
		mask(&masked.Backlog.WebhookToken)
	}
	if masked.Jira != nil {
		mask(&masked.Jira.APIToken)
		mask(&masked.Jira.WebhookSecret)
	}
	if masked.Slack != nil {
		mask(&masked.Slack.BotToken)
		mask(&masked.Slack.SigningSecret)
	}
	if masked.Summarizer != nil {
		mask(&masked.Summarizer.APIKey)
	}
	if masked.Webhooks != nil {
		for _, ep := range masked.Webhooks.Endpoints {
			mask(&ep.Secret)
		}
	}
	return masked
}
