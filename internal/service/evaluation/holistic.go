package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

type holisticEvaluator struct {
	gateway domainllm.Gateway
	logger  *slog.Logger
}

// NewHolisticEvaluator creates the session-flow evaluator.
func NewHolisticEvaluator(gateway domainllm.Gateway, logger *slog.Logger) services.HolisticEvaluator {
	return &holisticEvaluator{
		gateway: gateway,
		logger:  logger,
	}
}

// turnDigest is the per-turn record the flow model reads, built from the
// stored turn logs.
type turnDigest struct {
	Turn             int                `json:"turn"`
	Intent           exam.Intent        `json:"intent"`
	WeightedScore    float64            `json:"weighted_score"`
	Rubrics          map[string]float64 `json:"rubric_scores,omitempty"`
	AssistantSummary string             `json:"assistant_summary,omitempty"`
	GuardrailFailed  bool               `json:"guardrail_failed,omitempty"`
}

// EvaluateFlow scores the dialogue as a chaining strategy from the ordered
// turn logs. An empty session scores 0 without a model call.
func (s *holisticEvaluator) EvaluateFlow(ctx context.Context, logs []exam.TurnLog, problem *exam.ProblemSpec) (*exam.HolisticLog, exam.TokenTriple, error) {
	if len(logs) == 0 {
		return &exam.HolisticLog{
			FlowScore: 0,
			Analysis:  "no turns",
			CreatedAt: time.Now().UTC(),
		}, exam.TokenTriple{}, nil
	}

	digest := make([]turnDigest, len(logs))
	for i, log := range logs {
		scores := make(map[string]float64, len(log.Rubrics))
		for _, r := range log.Rubrics {
			scores[string(r.Criterion)] = r.Score
		}
		digest[i] = turnDigest{
			Turn:             log.Turn,
			Intent:           log.Intent,
			WeightedScore:    log.WeightedScore,
			Rubrics:          scores,
			AssistantSummary: log.AssistantSummary,
			GuardrailFailed:  log.GuardrailFailed,
		}
	}

	payload, err := json.Marshal(digest)
	if err != nil {
		return nil, exam.TokenTriple{}, fmt.Errorf("encode turn digest: %w", err)
	}

	completion, err := s.gateway.Complete(ctx, evalconfig.NodeHolistic, &domainllm.CompletionRequest{
		System:   holisticSystemPrompt + "\n\n" + problemSection(problem),
		Messages: []domainllm.Message{{Role: "user", Content: string(payload)}},
		Schema:   json.RawMessage(holisticSchema),
	})
	if err != nil {
		return nil, exam.TokenTriple{}, fmt.Errorf("holistic evaluation: %w", err)
	}

	var result struct {
		FlowScore float64           `json:"flow_score"`
		Analysis  string            `json:"analysis"`
		Qualities []exam.SubQuality `json:"qualities"`
	}
	if err := json.Unmarshal(completion.JSON, &result); err != nil {
		return nil, completion.Tokens,
			domain.NewCoreError(domain.CodeFatal, "holistic reply did not match schema", err)
	}

	for i := range result.Qualities {
		result.Qualities[i].Score = clamp(result.Qualities[i].Score, 0, 100)
	}

	log := &exam.HolisticLog{
		FlowScore: clamp(result.FlowScore, 0, 100),
		Analysis:  result.Analysis,
		Qualities: result.Qualities,
		CreatedAt: time.Now().UTC(),
	}

	s.logger.Info("holistic flow evaluated",
		"turns", len(logs),
		"flow_score", log.FlowScore,
	)

	return log, completion.Tokens, nil
}
