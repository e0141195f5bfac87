package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// SessionRepository reads and mutates durable session rows. Sessions are
// created by the platform; the core only flips status on submission.
type SessionRepository interface {
	// GetByID returns the session or domain.ErrNotFound.
	GetByID(ctx context.Context, id int64) (*exam.Session, error)

	// FindOpen returns the newest OPEN session for (exam, participant,
	// problem) or domain.ErrNotFound. The submit endpoint resolves its
	// session this way; its payload carries no session id.
	FindOpen(ctx context.Context, examID, participantID, problemID string) (*exam.Session, error)

	// Create inserts a session row. Used by seeding and tests.
	Create(ctx context.Context, session *exam.Session) error

	// UpdateStatus moves the session through its lifecycle.
	UpdateStatus(ctx context.Context, id int64, status exam.SessionStatus) error
}
