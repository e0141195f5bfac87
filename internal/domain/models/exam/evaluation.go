package exam

import (
	"time"
)

// EvaluationType discriminates durable evaluation rows.
type EvaluationType string

const (
	// EvalTurn rows carry a non-null turn; one per (session, turn).
	EvalTurn EvaluationType = "TURN_EVAL"
	// EvalHolisticFlow rows have a null turn; at most one per session.
	EvalHolisticFlow EvaluationType = "HOLISTIC_FLOW"
)

// HolisticLog is the session-level chaining-strategy verdict, written once
// at submission. Flow score aggregates four sub-qualities.
type HolisticLog struct {
	FlowScore float64      `json:"flow_score"` // 0..100
	Analysis  string       `json:"analysis"`
	Qualities []SubQuality `json:"qualities,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SubQuality is one of the four chaining sub-qualities with its score.
type SubQuality struct {
	Name  string  `json:"name"` // problem_decomposition, feedback_integration, proactiveness, strategic_exploration
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}
