package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// SessionStore is the ephemeral per-session state layer. Entries carry a TTL
// (24h default) refreshed on every write. Two implementations exist: Redis
// for deployment and an in-memory store for dev and tests; both enforce the
// same contract.
//
// Contract:
//   - Load returns domain.ErrNotFound for unknown or expired sessions.
//   - PutTurnLog fails with a PRECONDITION error unless the state already
//     holds the USER and ASSISTANT messages for that turn; writes are
//     upserts keyed by (session, turn).
//   - All writes for one session serialize through Lock, preventing a
//     background evaluation write from clobbering a chat-turn write.
type SessionStore interface {
	// Lock acquires the per-session mutex and returns its release func.
	// The lock is in-process; every mutation path must hold it.
	Lock(sessionID int64) (unlock func())

	Load(ctx context.Context, sessionID int64) (*exam.State, error)
	Save(ctx context.Context, state *exam.State) error

	GetTurnLog(ctx context.Context, sessionID int64, turn int) (*exam.TurnLog, error)
	PutTurnLog(ctx context.Context, sessionID int64, log *exam.TurnLog) error
	ListTurnLogs(ctx context.Context, sessionID int64) (map[int]exam.TurnLog, error)

	PutHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error

	// AddTokens accumulates a usage triple into the session's counter of the
	// given kind and returns the new cumulative value.
	AddTokens(ctx context.Context, sessionID int64, kind exam.TokenKind, t exam.TokenTriple) (exam.TokenTriple, error)

	// GetTokens reads the cumulative counter without modifying it.
	GetTokens(ctx context.Context, sessionID int64, kind exam.TokenKind) (exam.TokenTriple, error)

	// Delete removes every key belonging to the session. Used by tests and
	// by operators; normal expiry is TTL-driven.
	Delete(ctx context.Context, sessionID int64) error
}
