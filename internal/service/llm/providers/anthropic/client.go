package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"proctor/internal/domain"
	domainllm "proctor/internal/domain/services/llm"
)

// Provider implements the LLMProvider interface for Anthropic (Claude) models.
type Provider struct {
	client *anthropic.Client
}

// NewProvider creates a new Anthropic provider with the given API key.
func NewProvider(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &Provider{
		client: &client,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
}

// SupportsModel returns true if this provider supports the given model.
// Anthropic models start with "claude-"
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// GenerateResponse generates a completion from Claude.
func (p *Provider) GenerateResponse(ctx context.Context, req *domainllm.GenerateRequest) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by Anthropic provider", req.Model)
	}

	apiParams, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, apiParams)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", classifyAPIError(err))
	}

	return convertFromAnthropicResponse(message), nil
}

// classifyAPIError tags rate-limit and transient API failures so callers
// can decide about retrying without knowing the SDK's error types.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return err
	}

	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		return domain.NewCoreError(domain.CodeRateLimited, "anthropic rate limited", err)
	case apierr.StatusCode == http.StatusBadRequest &&
		strings.Contains(apierr.Error(), "prompt is too long"):
		// The API reports window overflow as a 400 invalid_request_error.
		return domain.NewCoreError(domain.CodeContextOverflow, "anthropic context window exceeded", err)
	case apierr.StatusCode == http.StatusRequestTimeout,
		apierr.StatusCode == http.StatusConflict,
		apierr.StatusCode >= http.StatusInternalServerError:
		return domain.NewCoreError(domain.CodeTransient, "anthropic temporarily unavailable", err)
	}

	return err
}

// buildParams converts a domain request into Anthropic API parameters.
func buildParams(req *domainllm.GenerateRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	apiParams := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}

	if req.System != "" {
		apiParams.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	return apiParams, nil
}

// convertToAnthropicMessages converts domain messages to Anthropic SDK format.
func convertToAnthropicMessages(messages []domainllm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for i, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)

		switch msg.Role {
		case "user":
			result = append(result, anthropic.NewUserMessage(block))
		case "assistant":
			result = append(result, anthropic.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("message %d: unsupported role '%s'", i, msg.Role)
		}
	}

	return result, nil
}

// convertFromAnthropicResponse converts an Anthropic response to domain format.
// Text blocks are concatenated; thinking and tool blocks are dropped here,
// structured tool output has its own path in GenerateStructured.
func convertFromAnthropicResponse(msg *anthropic.Message) *domainllm.GenerateResponse {
	var text strings.Builder
	for _, content := range msg.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}

	return &domainllm.GenerateResponse{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
}
