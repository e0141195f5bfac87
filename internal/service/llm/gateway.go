package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

// RetryPolicy controls how the gateway reacts to rate-limited or transient
// provider failures.
type RetryPolicy struct {
	// MaxAttempts bounds total tries, first call included.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// Backoff is "exponential" (doubling) or "fixed".
	Backoff string
}

// maxRetryDelay caps exponential growth.
const maxRetryDelay = 8 * time.Second

// Delay returns the wait before retrying after the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	if p.Backoff == "exponential" {
		for i := 0; i < attempt && delay < maxRetryDelay; i++ {
			delay *= 2
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// GatewayConfig carries the rate-limit and retry tunables.
type GatewayConfig struct {
	// RatePerSecond refills the global token bucket; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Retry         RetryPolicy
}

// Gateway is the single entry point for model calls. It resolves per-node
// model parameters, meters every call through a global token bucket,
// retries retryable failures with backoff, and extracts structured output
// from free-form replies. It never writes to the session store.
type Gateway struct {
	providers *ProviderRegistry
	nodes     *evalconfig.Registry
	limiter   *rate.Limiter
	retry     RetryPolicy
	logger    *slog.Logger
}

// NewGateway creates a gateway over the given providers and node registry.
func NewGateway(providers *ProviderRegistry, nodes *evalconfig.Registry, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}

	return &Gateway{
		providers: providers,
		nodes:     nodes,
		limiter:   rate.NewLimiter(limit, burst),
		retry:     retry,
		logger:    logger,
	}
}

// Complete runs one call under the named node's config. With a schema it
// parses JSON out of the reply text and falls back to the provider's native
// structured mode; the returned token triple covers every attempt made.
func (g *Gateway) Complete(ctx context.Context, node string, req *domainllm.CompletionRequest) (*domainllm.Completion, error) {
	nodeCfg := g.nodes.NodeFor(node)
	provider, err := g.providers.ForModel(nodeCfg.Model)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeFatal, "no provider for node "+node, err)
	}

	genReq := &domainllm.GenerateRequest{
		System:      req.System,
		Messages:    req.Messages,
		Model:       nodeCfg.Model,
		Temperature: nodeCfg.Temperature,
		MaxTokens:   nodeCfg.MaxTokens,
	}

	var completion *domainllm.Completion
	err = g.withRetry(ctx, node, func() error {
		var attemptErr error
		if req.Schema == nil {
			completion, attemptErr = g.completePlain(ctx, provider, genReq)
		} else {
			completion, attemptErr = g.completeStructured(ctx, provider, genReq, req.Schema)
		}
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	g.logger.Debug("llm call complete",
		"node", node,
		"model", completion.Model,
		"prompt_tokens", completion.Tokens.Prompt,
		"completion_tokens", completion.Tokens.Completion,
	)

	return completion, nil
}

// Stream is Complete with incremental delivery. Providers without streaming
// support degrade to a single delta carrying the whole reply. Schemas are
// not honored on this path; structured calls go through Complete.
func (g *Gateway) Stream(ctx context.Context, node string, req *domainllm.CompletionRequest, onDelta func(delta string) error) (*domainllm.Completion, error) {
	nodeCfg := g.nodes.NodeFor(node)
	provider, err := g.providers.ForModel(nodeCfg.Model)
	if err != nil {
		return nil, domain.NewCoreError(domain.CodeFatal, "no provider for node "+node, err)
	}

	genReq := &domainllm.GenerateRequest{
		System:      req.System,
		Messages:    req.Messages,
		Model:       nodeCfg.Model,
		Temperature: nodeCfg.Temperature,
		MaxTokens:   nodeCfg.MaxTokens,
	}

	streamer, canStream := provider.(domainllm.StreamingProvider)

	// Once a delta reaches the consumer a retry would duplicate output, so
	// retries stop at first delivery.
	delivered := false
	guardedDelta := func(delta string) error {
		delivered = true
		return onDelta(delta)
	}

	var completion *domainllm.Completion
	err = g.withRetry(ctx, node, func() error {
		var resp *domainllm.GenerateResponse
		var attemptErr error
		if canStream {
			resp, attemptErr = streamer.GenerateStream(ctx, genReq, guardedDelta)
		} else {
			resp, attemptErr = provider.GenerateResponse(ctx, genReq)
			if attemptErr == nil && resp.Text != "" {
				attemptErr = guardedDelta(resp.Text)
			}
		}
		if attemptErr != nil {
			if delivered {
				// A retry would duplicate output the consumer already saw.
				return domain.NewCoreError(domain.CodeFatal, "stream failed after partial delivery", attemptErr)
			}
			return attemptErr
		}

		completion = completionFrom(resp, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return completion, nil
}

// completePlain is one unstructured attempt.
func (g *Gateway) completePlain(ctx context.Context, provider domainllm.LLMProvider, req *domainllm.GenerateRequest) (*domainllm.Completion, error) {
	resp, err := provider.GenerateResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return completionFrom(resp, nil), nil
}

// completeStructured is one structured attempt: text call, JSON extraction,
// then native structured fallback. Tokens from the failed text call still
// count toward the returned triple.
func (g *Gateway) completeStructured(ctx context.Context, provider domainllm.LLMProvider, req *domainllm.GenerateRequest, schema json.RawMessage) (*domainllm.Completion, error) {
	var spent exam.TokenTriple

	resp, err := provider.GenerateResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	spent.Add(tripleFrom(resp))

	raw, parseErr := ExtractJSON(resp.Text)
	if parseErr == nil {
		completion := completionFrom(resp, raw)
		completion.Tokens = spent
		return completion, nil
	}

	structured, ok := provider.(domainllm.StructuredProvider)
	if !ok {
		// Another attempt may well parse; models are not deterministic.
		return nil, domain.NewCoreError(domain.CodeTransient,
			"reply is not valid JSON and provider has no structured mode", parseErr)
	}

	g.logger.Debug("structured parse failed, using native fallback", "model", req.Model)

	fallback, err := structured.GenerateStructured(ctx, req, schema)
	if err != nil {
		return nil, err
	}
	spent.Add(tripleFrom(fallback))

	raw, parseErr = ExtractJSON(fallback.Text)
	if parseErr != nil {
		return nil, domain.NewCoreError(domain.CodeTransient, "structured fallback returned invalid JSON", parseErr)
	}

	completion := completionFrom(fallback, raw)
	completion.Tokens = spent
	return completion, nil
}

// withRetry runs fn, retrying rate-limited and transient failures with
// backoff until the policy is exhausted.
func (g *Gateway) withRetry(ctx context.Context, node string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.retry.Delay(attempt - 1)
			g.logger.Warn("retrying llm call",
				"node", node,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return domain.NewCoreError(domain.CodeTimeout, "llm call cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return domain.NewCoreError(domain.CodeTimeout, "llm call cancelled at rate limiter", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("llm call failed after %d attempts: %w", g.retry.MaxAttempts, lastErr)
}

// retryable reports whether the failure kind is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrTransient)
}

// completionFrom converts a provider response, attaching extracted JSON.
func completionFrom(resp *domainllm.GenerateResponse, raw json.RawMessage) *domainllm.Completion {
	return &domainllm.Completion{
		Text:       resp.Text,
		JSON:       raw,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Tokens:     tripleFrom(resp),
	}
}

// tripleFrom builds the usage triple for one response.
func tripleFrom(resp *domainllm.GenerateResponse) exam.TokenTriple {
	return exam.TokenTriple{
		Prompt:     resp.InputTokens,
		Completion: resp.OutputTokens,
		Total:      resp.InputTokens + resp.OutputTokens,
	}
}
