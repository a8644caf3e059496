// Package summarizer generates completion summaries with Claude, either
// through the Anthropic Messages API or Amazon Bedrock.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
)

// Providers
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// MaxTokens caps the length of a generated summary.
const MaxTokens = 1024

// Config selects and configures the summarizer backend.
type Config struct {
	Provider string `yaml:"provider"` // "anthropic" or "bedrock"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`  // anthropic only
	BaseURL  string `yaml:"base_url"` // anthropic only, for proxies
	Region   string `yaml:"region"`   // bedrock only
}

// DefaultConfig returns the Bedrock defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderBedrock,
		Model:    "global.anthropic.claude-opus-4-5-20251101-v1:0",
		Region:   "ap-northeast-1",
	}
}

// Validate checks that the selected provider is usable.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic:
		if c.APIKey == "" {
			return errors.New("summarizer.api_key is required for the anthropic provider")
		}
	case ProviderBedrock:
		if c.Region == "" {
			return errors.New("summarizer.region is required for the bedrock provider")
		}
	default:
		return fmt.Errorf("unknown summarizer provider %q", c.Provider)
	}
	if c.Model == "" {
		return errors.New("summarizer.model is required")
	}
	return nil
}

// New builds the summarizer for cfg.Provider.
func New(ctx context.Context, cfg *Config) (completion.Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == ProviderAnthropic {
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	}
	return NewBedrock(ctx, cfg.Region, cfg.Model)
}

// message is one turn of a Claude conversation.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// response is the Claude messages response body, shared by both backends.
type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// text joins the text blocks of the response.
func (r *response) text() (string, error) {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no text content in model response")
	}
	return sb.String(), nil
}

// classify marks client errors other than timeouts and throttling as permanent.
func classify(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return durable.Permanent(err)
	}
	return err
}
