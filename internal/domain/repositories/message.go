package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// MessageRepository is the durable side of the dialogue. Evaluation rows
// reference messages by (session, turn), so a turn's pair must be here
// before its evaluation is written.
type MessageRepository interface {
	// CreateTurnMessages writes the USER and ASSISTANT messages of one turn.
	// Callers wrap it in a transaction when writing both halves atomically.
	CreateTurnMessages(ctx context.Context, sessionID int64, msgs ...exam.Message) error

	// HasTurnPair reports whether both roles exist for (session, turn).
	HasTurnPair(ctx context.Context, sessionID int64, turn int) (bool, error)

	// ListBySession returns all messages ordered by turn then role.
	ListBySession(ctx context.Context, sessionID int64) ([]exam.Message, error)
}
