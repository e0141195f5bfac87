package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	domainllm "proctor/internal/domain/services/llm"
)

// GenerateStream generates a completion from Claude, delivering text deltas
// through onDelta as they arrive. The accumulated message supplies final
// token usage and stop reason.
func (p *Provider) GenerateStream(ctx context.Context, req *domainllm.GenerateRequest, onDelta func(delta string) error) (*domainllm.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by Anthropic provider", req.Model)
	}

	apiParams, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, apiParams)

	// Accumulator for final message metadata
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate message: %w", err)
		}

		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if e.Delta.Type != "text_delta" || e.Delta.Text == "" {
				continue
			}
			if err := onDelta(e.Delta.Text); err != nil {
				return nil, fmt.Errorf("delta consumer: %w", err)
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic streaming error: %w", classifyAPIError(err))
	}

	return convertFromAnthropicResponse(&message), nil
}
