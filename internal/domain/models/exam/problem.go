package exam

import (
	"time"
)

// TestCase is one problem-bound input/expected pair. Description is shown in
// audit output only, never to the participant.
type TestCase struct {
	Input       string `json:"input"`
	Expected    string `json:"expected"`
	Description string `json:"description,omitempty"`
}

// ProblemSpec is the read-only problem context supplied by the external
// catalog. The canonical solution and test cases must never appear in tutor
// replies; the guardrail's keyword block-list comes from BlockKeywords.
type ProblemSpec struct {
	SpecID        string     `json:"spec_id" db:"spec_id"`
	ProblemID     string     `json:"problem_id" db:"problem_id"`
	Title         string     `json:"title" db:"title"`
	InputFormat   string     `json:"input_format" db:"input_format"`
	OutputFormat  string     `json:"output_format" db:"output_format"`
	TimeLimitSec  float64    `json:"time_limit_sec" db:"time_limit_sec"`
	MemoryLimitMB int        `json:"memory_limit_mb" db:"memory_limit_mb"`
	KeyAlgorithms []string   `json:"key_algorithms" db:"key_algorithms"`
	HintRoadmap   []string   `json:"hint_roadmap" db:"hint_roadmap"` // 4 stages, mild to strong
	Pitfalls      []string   `json:"common_pitfalls" db:"common_pitfalls"`
	Canonical     string     `json:"canonical_solution" db:"canonical_solution"`
	TestCases     []TestCase `json:"test_cases" db:"test_cases"`
	BlockKeywords []string   `json:"block_keywords" db:"block_keywords"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// BoundedTestCases returns at most limit test cases, preserving order. The
// external executor meters requests per test case, so runs use a bounded
// subset with the first case leading.
func (p *ProblemSpec) BoundedTestCases(limit int) []TestCase {
	if limit <= 0 || len(p.TestCases) <= limit {
		return p.TestCases
	}
	return p.TestCases[:limit]
}
