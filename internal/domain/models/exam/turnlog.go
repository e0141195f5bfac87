package exam

import (
	"time"
)

// Intent is the classified purpose of a user prompt. It selects the rubric
// weight vector applied to the turn.
type Intent string

const (
	IntentSystemPrompt Intent = "SYSTEM_PROMPT"
	IntentRuleSetting  Intent = "RULE_SETTING"
	IntentGeneration   Intent = "GENERATION"
	IntentOptimization Intent = "OPTIMIZATION"
	IntentDebugging    Intent = "DEBUGGING"
	IntentTestCase     Intent = "TEST_CASE"
	IntentHintOrQuery  Intent = "HINT_OR_QUERY"
	IntentFollowUp     Intent = "FOLLOW_UP"
)

// AllIntents lists every intent in declaration order.
var AllIntents = []Intent{
	IntentSystemPrompt,
	IntentRuleSetting,
	IntentGeneration,
	IntentOptimization,
	IntentDebugging,
	IntentTestCase,
	IntentHintOrQuery,
	IntentFollowUp,
}

// Valid reports whether s names a known intent.
func (i Intent) Valid() bool {
	for _, known := range AllIntents {
		if i == known {
			return true
		}
	}
	return false
}

// Criterion is one of the five rubric axes scored per turn.
type Criterion string

const (
	CriterionClarity    Criterion = "clarity"
	CriterionExamples   Criterion = "examples"
	CriterionRules      Criterion = "rules"
	CriterionContext    Criterion = "context"
	CriterionProblemRel Criterion = "problem_relevance"
)

// AllCriteria lists the rubric axes in the order they are reported.
var AllCriteria = []Criterion{
	CriterionClarity,
	CriterionExamples,
	CriterionRules,
	CriterionContext,
	CriterionProblemRel,
}

// RubricEntry is one scored criterion with its justification.
type RubricEntry struct {
	Criterion Criterion `json:"criterion"`
	Score     float64   `json:"score"` // 0..100
	Reasoning string    `json:"reasoning"`
}

// TurnEvaluation is the raw evaluator output for one turn, before weighting.
type TurnEvaluation struct {
	Intent         Intent        `json:"intent"`
	Confidence     float64       `json:"confidence"` // 0..1
	Score          float64       `json:"score"`      // model's overall estimate, advisory
	Rubrics        []RubricEntry `json:"rubrics"`
	FinalReasoning string        `json:"final_reasoning"`
}

// RubricScore returns the score for one criterion, zero if absent.
func (e *TurnEvaluation) RubricScore(c Criterion) float64 {
	for _, r := range e.Rubrics {
		if r.Criterion == c {
			return r.Score
		}
	}
	return 0
}

// TurnLog is the stored evaluation record for one (session, turn). Exactly one
// exists per key at any time; writes are upserts. FinalReasoning carries the
// rubric model's overall justification, or the error string when the rubric
// call failed and the log is a zero-score sentinel.
type TurnLog struct {
	Turn             int           `json:"turn"`
	Intent           Intent        `json:"intent"`
	IntentConfidence float64       `json:"intent_confidence"`
	Rubrics          []RubricEntry `json:"rubrics"`
	WeightedScore    float64       `json:"weighted_score"` // 0..100
	AssistantSummary string        `json:"assistant_summary"`
	FinalReasoning   string        `json:"final_reasoning,omitempty"`
	GuardrailFailed  bool          `json:"guardrail_failed"`
	CreatedAt        time.Time     `json:"created_at"`
}
