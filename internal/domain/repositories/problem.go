package repositories

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// ProblemRepository reads the external problem-spec catalog. The core treats
// specs as read-only; Create exists for seeding and tests.
type ProblemRepository interface {
	// GetBySpecID returns the spec or domain.ErrNotFound.
	GetBySpecID(ctx context.Context, specID string) (*exam.ProblemSpec, error)

	Create(ctx context.Context, spec *exam.ProblemSpec) error
}
