package llm

import (
	"context"
	"encoding/json"

	"proctor/internal/domain/models/exam"
)

// LLMProvider defines the interface that all LLM providers must implement.
// This abstraction allows supporting multiple providers (Anthropic, fakes)
// while keeping the gateway independent of any SDK.
type LLMProvider interface {
	// GenerateResponse generates a completion for the given request.
	GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider name (e.g., "anthropic", "lorem")
	Name() string

	// SupportsModel returns true if the provider supports the given model.
	SupportsModel(model string) bool
}

// StructuredProvider is implemented by providers with a native structured
// output mode (tool forcing or JSON mode). The gateway calls it only after
// every text-extraction path has failed.
type StructuredProvider interface {
	// GenerateStructured returns raw JSON conforming to schema.
	GenerateStructured(ctx context.Context, req *GenerateRequest, schema json.RawMessage) (*GenerateResponse, error)
}

// StreamingProvider is implemented by providers that can deliver the
// completion incrementally. onDelta receives each text fragment in order;
// returning an error from onDelta cancels the stream.
type StreamingProvider interface {
	GenerateStream(ctx context.Context, req *GenerateRequest, onDelta func(delta string) error) (*GenerateResponse, error)
}

// GenerateRequest contains the parameters for an LLM generation request.
type GenerateRequest struct {
	// System is the system prompt, empty for none.
	System string

	// Messages contains the conversation history, oldest first.
	Messages []Message

	// Model is the model identifier (e.g., "claude-sonnet-4-5")
	Model string

	// Temperature is the sampling temperature.
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int
}

// Message represents a single message in the conversation.
type Message struct {
	// Role is either "user" or "assistant"
	Role string

	// Content is the plain-text body
	Content string
}

// GenerateResponse contains the LLM provider's response.
type GenerateResponse struct {
	// Text is the concatenated text completion.
	Text string

	// Model is the model that was used (may differ from request if aliased)
	Model string

	// InputTokens is the number of tokens in the input
	InputTokens int

	// OutputTokens is the number of tokens in the output
	OutputTokens int

	// StopReason indicates why generation stopped (e.g., "end_turn", "max_tokens")
	StopReason string
}

// CompletionRequest is what gateway callers submit. Node-level model,
// temperature and token settings are resolved by the gateway from its node
// config registry; the request carries only content.
type CompletionRequest struct {
	System   string
	Messages []Message

	// Schema, when non-nil, asks for structured output conforming to this
	// JSON schema. The gateway extracts JSON from the reply text and falls
	// back to the provider's native structured mode.
	Schema json.RawMessage
}

// Completion is the gateway's uniform result. Tokens is always populated,
// including on the structured-output fallback path.
type Completion struct {
	Text       string
	JSON       json.RawMessage // non-nil iff a schema was requested
	Model      string
	StopReason string
	Tokens     exam.TokenTriple
}

// Gateway is the single entry point for model calls. Implementations meter
// tokens, rate-limit globally, and retry transient failures with backoff.
// The gateway never writes to the session store.
type Gateway interface {
	// Complete runs one call under the named node's config.
	Complete(ctx context.Context, node string, req *CompletionRequest) (*Completion, error)

	// Stream is Complete with incremental delivery. Providers without
	// streaming support degrade to a single delta.
	Stream(ctx context.Context, node string, req *CompletionRequest, onDelta func(delta string) error) (*Completion, error)
}
