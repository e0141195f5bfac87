package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

// evaluateRubric runs the intent's rubric evaluator over the user's prompt.
// Unlike classification this returns errors; the caller turns them into a
// zero-score sentinel log.
func (s *turnEvaluator) evaluateRubric(ctx context.Context, in services.TurnEvalInput, intent exam.Intent, metrics PromptMetrics) (*exam.TurnEvaluation, exam.TokenTriple, error) {
	completion, err := s.gateway.Complete(ctx, evalconfig.NodeRubric, &domainllm.CompletionRequest{
		System: rubricSystemPrompt,
		Messages: []domainllm.Message{{
			Role:    "user",
			Content: rubricUserMessage(in.Turn, in.UserMessage, in.AssistantReply, intent, metrics, in.Problem),
		}},
		Schema: json.RawMessage(rubricSchema),
	})
	if err != nil {
		return nil, exam.TokenTriple{}, fmt.Errorf("rubric evaluation: %w", err)
	}

	var result struct {
		Score          float64            `json:"score"`
		Rubrics        []exam.RubricEntry `json:"rubrics"`
		FinalReasoning string             `json:"final_reasoning"`
	}
	if err := json.Unmarshal(completion.JSON, &result); err != nil {
		return nil, completion.Tokens,
			domain.NewCoreError(domain.CodeFatal, "rubric reply did not match schema", err)
	}

	eval := &exam.TurnEvaluation{
		Intent:         intent,
		Score:          clamp(result.Score, 0, 100),
		Rubrics:        normalizeRubrics(result.Rubrics),
		FinalReasoning: result.FinalReasoning,
	}
	return eval, completion.Tokens, nil
}

// normalizeRubrics lowercases criterion names, clamps scores and drops
// entries naming unknown criteria.
func normalizeRubrics(entries []exam.RubricEntry) []exam.RubricEntry {
	out := make([]exam.RubricEntry, 0, len(entries))
	for _, e := range entries {
		e.Criterion = exam.Criterion(strings.ToLower(strings.TrimSpace(string(e.Criterion))))
		if !knownCriterion(e.Criterion) {
			continue
		}
		e.Score = clamp(e.Score, 0, 100)
		out = append(out, e)
	}
	return out
}

func knownCriterion(c exam.Criterion) bool {
	for _, known := range exam.AllCriteria {
		if c == known {
			return true
		}
	}
	return false
}
