package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// SubmissionRepository persists the final graded verdict, keyed by the
// platform-issued submission id. One row per session.
type SubmissionRepository interface {
	Create(ctx context.Context, result *exam.SubmissionResult) error

	// GetBySubmissionID returns the stored verdict or domain.ErrNotFound.
	GetBySubmissionID(ctx context.Context, submissionID string) (*exam.SubmissionResult, error)
}
