package exam

import (
	"time"
)

// TestOutcome is one raw per-test result captured during Phase 1.
type TestOutcome struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Status   string `json:"status"` // sandbox status label
	Stdout   string `json:"stdout,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// SubmissionResult is the graded verdict for one session, at most one.
// Weights: prompt 0.25, performance 0.25, correctness 0.50.
type SubmissionResult struct {
	SubmissionID     string        `json:"submission_id" db:"submission_id"`
	SessionID        int64         `json:"session_id" db:"session_id"`
	CorrectnessScore float64       `json:"correctness_score" db:"correctness_score"`
	PerformanceScore float64       `json:"performance_score" db:"performance_score"`
	PromptScore      float64       `json:"prompt_score" db:"prompt_score"`
	TotalScore       float64       `json:"total_score" db:"total_score"`
	Grade            string        `json:"grade" db:"grade"`
	TestOutcomes     []TestOutcome `json:"test_outcomes" db:"test_outcomes"`
	ExecutionTimeSec float64       `json:"execution_time_sec" db:"execution_time_sec"`
	MemoryUsedBytes  int64         `json:"memory_used_bytes" db:"memory_used_bytes"`
	SkipReason       string        `json:"skip_reason,omitempty" db:"skip_reason"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// ComputeTotalScore combines the three component scores with fixed weights.
func ComputeTotalScore(prompt, performance, correctness float64) float64 {
	return prompt*0.25 + performance*0.25 + correctness*0.50
}

// LetterGrade maps a total score to its letter grade.
func LetterGrade(total float64) string {
	switch {
	case total >= 90:
		return "A"
	case total >= 80:
		return "B"
	case total >= 70:
		return "C"
	case total >= 60:
		return "D"
	default:
		return "F"
	}
}
