// Package evaluation scores participant prompts: per-turn intent
// classification, rubric grading and weighted scoring, plus the session-level
// flow analysis that runs at submission.
package evaluation

import (
	"context"
	"log/slog"
	"time"

	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

type turnEvaluator struct {
	gateway domainllm.Gateway
	config  *evalconfig.Registry
	logger  *slog.Logger
}

// NewTurnEvaluator creates the per-turn evaluator over the gateway and the
// intent weight registry.
func NewTurnEvaluator(gateway domainllm.Gateway, config *evalconfig.Registry, logger *slog.Logger) services.TurnEvaluator {
	return &turnEvaluator{
		gateway: gateway,
		config:  config,
		logger:  logger,
	}
}

// EvaluateTurn runs the four stages for one completed turn: classification,
// rubric evaluation, weighted scoring, assistant summarization. Model
// failures degrade per stage instead of failing the turn; only context
// cancellation aborts. The returned triple covers every call made.
func (s *turnEvaluator) EvaluateTurn(ctx context.Context, in services.TurnEvalInput) (*exam.TurnLog, exam.TokenTriple, error) {
	var spent exam.TokenTriple

	intent, confidence, tok := s.classifyIntent(ctx, in)
	spent.Add(tok)
	if err := ctx.Err(); err != nil {
		return nil, spent, err
	}

	metrics := ComputeMetrics(in.UserMessage, in.Problem)

	eval, tok, err := s.evaluateRubric(ctx, in, intent, metrics)
	spent.Add(tok)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, spent, ctxErr
		}
		s.logger.Warn("rubric evaluation failed, recording sentinel",
			"turn", in.Turn,
			"intent", intent,
			"error", err,
		)
		return sentinelLog(in, intent, confidence, err), spent, nil
	}

	weights, err := s.config.WeightsFor(intent)
	if err != nil {
		// Unreachable after post-processing; record rather than lose the turn.
		return sentinelLog(in, intent, confidence, err), spent, nil
	}

	weighted := clamp(weights.Apply(eval), 0, 100)
	if in.GuardrailFailed {
		// Score is forced to zero; the rubric breakdown stays for audit.
		weighted = 0
	}

	summary, tok := s.summarize(ctx, in.AssistantReply)
	spent.Add(tok)

	log := &exam.TurnLog{
		Turn:             in.Turn,
		Intent:           intent,
		IntentConfidence: confidence,
		Rubrics:          eval.Rubrics,
		WeightedScore:    weighted,
		AssistantSummary: summary,
		FinalReasoning:   eval.FinalReasoning,
		GuardrailFailed:  in.GuardrailFailed,
		CreatedAt:        time.Now().UTC(),
	}
	return log, spent, nil
}

// summarize compresses the assistant reply to at most 3 sentences. On
// failure it degrades to a truncation; the turn log must still be written.
func (s *turnEvaluator) summarize(ctx context.Context, assistantReply string) (string, exam.TokenTriple) {
	if assistantReply == "" {
		return "", exam.TokenTriple{}
	}

	completion, err := s.gateway.Complete(ctx, evalconfig.NodeSummary, &domainllm.CompletionRequest{
		System:   summarySystemPrompt,
		Messages: []domainllm.Message{{Role: "user", Content: assistantReply}},
	})
	if err != nil {
		s.logger.Warn("assistant summary failed, truncating", "error", err)
		return truncate(assistantReply, 240), exam.TokenTriple{}
	}

	return completion.Text, completion.Tokens
}

// sentinelLog is the zero-score record for a failed rubric call: rubrics
// empty, error string kept, written not retried.
func sentinelLog(in services.TurnEvalInput, intent exam.Intent, confidence float64, err error) *exam.TurnLog {
	return &exam.TurnLog{
		Turn:             in.Turn,
		Intent:           intent,
		IntentConfidence: confidence,
		WeightedScore:    0,
		FinalReasoning:   err.Error(),
		GuardrailFailed:  in.GuardrailFailed,
		CreatedAt:        time.Now().UTC(),
	}
}

// truncate cuts s at limit runes, marking the cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
