package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/logging"
)

const defaultAnthropicURL = "https://api.anthropic.com"

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey     string
	apiURL     string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewAnthropic creates an Anthropic summarizer. baseURL may be empty.
func NewAnthropic(apiKey, model, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	return &Anthropic{
		apiKey: apiKey,
		apiURL: strings.TrimSuffix(baseURL, "/") + "/v1/messages",
		model:  model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: logging.WithComponent("summarizer.anthropic"),
	}
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

// Generate implements completion.Summarizer.
func (a *Anthropic) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: MaxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	a.log.Debug("Calling model", slog.String("model", a.model))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", classify(resp.StatusCode, fmt.Errorf("API returned status %d: %s", resp.StatusCode, msg))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	text, err := r.text()
	if err != nil {
		return "", err
	}
	a.log.Info("Summary generated",
		slog.Int("input_tokens", r.Usage.InputTokens),
		slog.Int("output_tokens", r.Usage.OutputTokens))
	return text, nil
}
