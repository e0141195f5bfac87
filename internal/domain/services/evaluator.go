package services

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// TurnEvalInput is one completed turn plus its problem context. Assistant
// content is advisory context for the rubric; the user's prompt is what gets
// scored.
type TurnEvalInput struct {
	Turn            int
	UserMessage     string
	AssistantReply  string
	Problem         *exam.ProblemSpec
	GuardrailFailed bool
}

// TurnEvaluator runs intent classification, the intent's rubric evaluator,
// weighted scoring and assistant summarization for one turn. Failures inside
// degrade to sentinel values rather than errors: a classification failure
// yields HINT_OR_QUERY at confidence 0, a rubric failure yields a zero-score
// log carrying the error string.
type TurnEvaluator interface {
	EvaluateTurn(ctx context.Context, in TurnEvalInput) (*exam.TurnLog, exam.TokenTriple, error)
}

// HolisticEvaluator scores the whole dialogue as a chaining strategy from
// the ordered turn logs. An empty list scores 0 with a non-empty analysis.
type HolisticEvaluator interface {
	EvaluateFlow(ctx context.Context, logs []exam.TurnLog, problem *exam.ProblemSpec) (*exam.HolisticLog, exam.TokenTriple, error)
}

// CodeResult is the two-phase code evaluation outcome. Time and memory may
// come from Phase 1 when Phase 2 failed, so they remain reportable.
type CodeResult struct {
	CorrectnessScore float64
	PerformanceScore float64
	TestOutcomes     []exam.TestOutcome
	ExecutionTimeSec float64
	MemoryUsedBytes  int64
	SkipReason       string
}

// CodeEvaluator runs correctness then, only on a perfect correctness score,
// performance against the problem's limits.
type CodeEvaluator interface {
	Evaluate(ctx context.Context, code, language string, problem *exam.ProblemSpec) (*CodeResult, error)
}
