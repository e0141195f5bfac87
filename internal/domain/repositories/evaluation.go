package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// EvaluationRepository is the durable mirror of turn and holistic
// evaluations. Rows are discriminated by evaluation_type: TURN_EVAL rows
// carry a turn number, HOLISTIC_FLOW rows a null one. Uniqueness is
// (session_id, turn, evaluation_type) and all writes are upserts on it.
type EvaluationRepository interface {
	UpsertTurnEval(ctx context.Context, sessionID int64, log *exam.TurnLog) error
	UpsertHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error

	// ListTurnEvals returns TURN_EVAL rows ordered by turn.
	ListTurnEvals(ctx context.Context, sessionID int64) ([]exam.TurnLog, error)

	// GetHolistic returns the session's HOLISTIC_FLOW row or domain.ErrNotFound.
	GetHolistic(ctx context.Context, sessionID int64) (*exam.HolisticLog, error)
}
