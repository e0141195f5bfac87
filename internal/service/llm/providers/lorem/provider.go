package lorem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	domainllm "proctor/internal/domain/services/llm"
)

// Provider is a mock LLM provider that generates lorem ipsum text.
// Used for testing and development without requiring real API keys.
type Provider struct {
	generator *loremgen.Lorem
}

// NewProvider creates a new lorem ipsum provider.
func NewProvider() *Provider {
	return &Provider{
		generator: loremgen.New(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "lorem"
}

// SupportsModel returns true if the model name starts with "lorem-".
// Example models: "lorem-fast", "lorem-slow", "lorem-test"
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// GenerateResponse generates a complete lorem ipsum response.
func (p *Provider) GenerateResponse(ctx context.Context, req *domainllm.GenerateRequest) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by lorem provider", req.Model)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Keep replies short; nobody wants to scroll a mock answer.
	words := req.MaxTokens
	if words <= 0 || words > 60 {
		words = 60
	}
	text := p.generateTextWords(words)

	return p.response(req, text), nil
}

// GenerateStream streams the reply word by word. Speed varies with the
// model name (lorem-slow, lorem-fast, lorem-medium).
func (p *Provider) GenerateStream(ctx context.Context, req *domainllm.GenerateRequest, onDelta func(delta string) error) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by lorem provider", req.Model)
	}

	words := req.MaxTokens
	if words <= 0 || words > 60 {
		words = 60
	}
	text := p.generateTextWords(words)
	delay := getStreamDelay(req.Model)

	var sent strings.Builder
	for _, word := range strings.Fields(text) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		delta := word + " "
		if err := onDelta(delta); err != nil {
			return nil, fmt.Errorf("delta consumer: %w", err)
		}
		sent.WriteString(delta)

		time.Sleep(delay)
	}

	return p.response(req, strings.TrimSpace(sent.String())), nil
}

// GenerateStructured fabricates JSON conforming to the schema by filling
// each declared property with a type-appropriate placeholder. Evaluation
// nodes exercised against this provider get parseable verdicts without an
// API key.
func (p *Provider) GenerateStructured(ctx context.Context, req *domainllm.GenerateRequest, schema json.RawMessage) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by lorem provider", req.Model)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filled, err := p.fillSchema(schema)
	if err != nil {
		return nil, err
	}

	return p.response(req, string(filled)), nil
}

// fillSchema walks a JSON schema's properties and invents a value per type.
func (p *Provider) fillSchema(schema json.RawMessage) (json.RawMessage, error) {
	var parsed struct {
		Properties map[string]struct {
			Type string            `json:"type"`
			Enum []json.RawMessage `json:"enum"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil, fmt.Errorf("parse output schema: %w", err)
	}

	result := make(map[string]any, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		if len(prop.Enum) > 0 {
			var first any
			if err := json.Unmarshal(prop.Enum[0], &first); err == nil {
				result[name] = first
				continue
			}
		}
		switch prop.Type {
		case "string":
			result[name] = p.generator.Sentence(3, 8)
		case "number":
			result[name] = 0.5
		case "integer":
			result[name] = 50
		case "boolean":
			result[name] = false
		case "array":
			result[name] = []any{}
		case "object":
			result[name] = map[string]any{}
		default:
			result[name] = nil
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode filled schema: %w", err)
	}
	return data, nil
}

// response assembles a GenerateResponse with word-count token estimates.
func (p *Provider) response(req *domainllm.GenerateRequest, text string) *domainllm.GenerateResponse {
	return &domainllm.GenerateResponse{
		Text:         text,
		Model:        req.Model,
		InputTokens:  p.estimateTokens(req),
		OutputTokens: len(strings.Fields(text)),
		StopReason:   "end_turn",
	}
}

// getStreamDelay returns the delay between words based on the model name.
// - lorem-slow: 2 words/second
// - lorem-fast: 30 words/second
// - default: 10 words/second
func getStreamDelay(model string) time.Duration {
	if strings.Contains(model, "slow") {
		return 500 * time.Millisecond
	}
	if strings.Contains(model, "fast") {
		return 33 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// generateTextWords generates lorem ipsum text with approximately targetWords words.
func (p *Provider) generateTextWords(targetWords int) string {
	var sb strings.Builder
	wordCount := 0

	for wordCount < targetWords {
		sentence := p.generator.Sentence(5, 15)
		sb.WriteString(sentence)
		sb.WriteString(" ")

		wordCount += len(strings.Fields(sentence))
	}

	return strings.TrimSpace(sb.String())
}

// estimateTokens estimates the input token count for a request.
// Uses word count as a rough approximation.
func (p *Provider) estimateTokens(req *domainllm.GenerateRequest) int {
	totalWords := len(strings.Fields(req.System))
	for _, msg := range req.Messages {
		totalWords += len(strings.Fields(msg.Content))
	}
	return totalWords
}
