package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/alekspetrov/recap/internal/logging"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// ModelInvoker is the subset of the Bedrock runtime client used here.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock invokes Claude through Amazon Bedrock.
type Bedrock struct {
	client ModelInvoker
	model  string
	log    *slog.Logger
}

// NewBedrock loads the default AWS credential chain for region.
func NewBedrock(ctx context.Context, region, model string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(cfg), model), nil
}

// NewBedrockWithClient creates a Bedrock summarizer over an existing client.
func NewBedrockWithClient(client ModelInvoker, model string) *Bedrock {
	return &Bedrock{
		client: client,
		model:  model,
		log:    logging.WithComponent("summarizer.bedrock"),
	}
}

type bedrockRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
}

// Generate implements completion.Summarizer.
func (b *Bedrock) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        MaxTokens,
		Messages:         []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	b.log.Info("Calling model", slog.String("model", b.model))
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			return "", classify(re.HTTPStatusCode(), fmt.Errorf("invoke model: %w", err))
		}
		return "", fmt.Errorf("invoke model: %w", err)
	}
	if len(out.Body) == 0 {
		return "", errors.New("empty response from Bedrock")
	}

	var r response
	if err := json.Unmarshal(out.Body, &r); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	text, err := r.text()
	if err != nil {
		return "", err
	}
	b.log.Info("Summary generated",
		slog.Int("input_tokens", r.Usage.InputTokens),
		slog.Int("output_tokens", r.Usage.OutputTokens))
	return text, nil
}
