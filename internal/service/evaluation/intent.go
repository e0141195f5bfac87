package evaluation

import (
	"context"
	"encoding/json"
	"strings"

	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
	domainllm "proctor/internal/domain/services/llm"
	"proctor/internal/evalconfig"
)

// Priority tables for multi-intent resolution; lower rank wins. FOLLOW_UP has
// no entry for turn 1 because a first turn cannot follow anything up.
var turn1Priority = map[exam.Intent]int{
	exam.IntentSystemPrompt: 1,
	exam.IntentRuleSetting:  2,
	exam.IntentGeneration:   3,
	exam.IntentOptimization: 4,
	exam.IntentDebugging:    5,
	exam.IntentTestCase:     6,
	exam.IntentHintOrQuery:  7,
}

var laterTurnPriority = map[exam.Intent]int{
	exam.IntentGeneration:   1,
	exam.IntentOptimization: 2,
	exam.IntentDebugging:    3,
	exam.IntentTestCase:     4,
	exam.IntentRuleSetting:  5,
	exam.IntentSystemPrompt: 6,
	exam.IntentHintOrQuery:  7,
	exam.IntentFollowUp:     8,
}

// classifyIntent asks the classifier node, then applies the deterministic
// post-processing. A failed call degrades to HINT_OR_QUERY at confidence 0
// instead of erroring; the turn must still get scored.
func (s *turnEvaluator) classifyIntent(ctx context.Context, in services.TurnEvalInput) (exam.Intent, float64, exam.TokenTriple) {
	completion, err := s.gateway.Complete(ctx, evalconfig.NodeIntent, &domainllm.CompletionRequest{
		System:   intentSystemPrompt + "\n\n" + problemSection(in.Problem),
		Messages: []domainllm.Message{{Role: "user", Content: in.UserMessage}},
		Schema:   json.RawMessage(intentSchema),
	})
	if err != nil {
		s.logger.Warn("intent classification failed", "turn", in.Turn, "error", err)
		return exam.IntentHintOrQuery, 0, exam.TokenTriple{}
	}

	var result struct {
		Intents    []exam.Intent `json:"intents"`
		Confidence float64       `json:"confidence"`
	}
	if err := json.Unmarshal(completion.JSON, &result); err != nil {
		s.logger.Warn("intent reply did not match schema", "turn", in.Turn, "error", err)
		return exam.IntentHintOrQuery, 0, completion.Tokens
	}

	intent := resolveIntent(result.Intents, in.Turn, in.UserMessage)
	confidence := clamp(result.Confidence, 0, 1)
	return intent, confidence, completion.Tokens
}

// resolveIntent applies the deterministic rules to the model's candidates:
// turn-1 FOLLOW_UP remaps to RULE_SETTING (SYSTEM_PROMPT when the message
// carries <Role>/<Content> markers), multiple candidates resolve by the
// turn's priority table, and markers promote the prompt-shaping intents to
// the top of it.
func resolveIntent(candidates []exam.Intent, turn int, userMessage string) exam.Intent {
	marked := hasPromptMarkers(userMessage)

	var valid []exam.Intent
	for _, c := range candidates {
		if !c.Valid() {
			continue
		}
		if turn == 1 && c == exam.IntentFollowUp {
			remapped := exam.IntentRuleSetting
			if marked {
				remapped = exam.IntentSystemPrompt
			}
			valid = append(valid, remapped)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return exam.IntentHintOrQuery
	}

	priority := laterTurnPriority
	if turn == 1 {
		priority = turn1Priority
	}

	best := valid[0]
	bestRank := rank(priority, best, marked)
	for _, c := range valid[1:] {
		if r := rank(priority, c, marked); r < bestRank {
			best, bestRank = c, r
		}
	}
	return best
}

// rank reads the priority table, promoting SYSTEM_PROMPT and RULE_SETTING
// above everything when prompt markers are present.
func rank(priority map[exam.Intent]int, intent exam.Intent, marked bool) int {
	if marked {
		switch intent {
		case exam.IntentSystemPrompt:
			return -2
		case exam.IntentRuleSetting:
			return -1
		}
	}
	return priority[intent]
}

// hasPromptMarkers detects the <Role>/<Content> system-prompt markers.
func hasPromptMarkers(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<role>") || strings.Contains(lower, "<content>")
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
