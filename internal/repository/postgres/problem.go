package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
)

// PostgresProblemRepository implements the ProblemRepository interface
type PostgresProblemRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewProblemRepository creates a new problem repository
func NewProblemRepository(config *RepositoryConfig) repositories.ProblemRepository {
	return &PostgresProblemRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// GetBySpecID retrieves a problem spec by its catalog id
func (r *PostgresProblemRepository) GetBySpecID(ctx context.Context, specID string) (*exam.ProblemSpec, error) {
	query := fmt.Sprintf(`
		SELECT spec_id, problem_id, title, input_format, output_format, time_limit_sec, memory_limit_mb,
		       key_algorithms, hint_roadmap, common_pitfalls, canonical_solution, test_cases, block_keywords, created_at
		FROM %s
		WHERE spec_id = $1
	`, r.tables.ProblemSpecs)

	var spec exam.ProblemSpec
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, specID).Scan(
		&spec.SpecID,
		&spec.ProblemID,
		&spec.Title,
		&spec.InputFormat,
		&spec.OutputFormat,
		&spec.TimeLimitSec,
		&spec.MemoryLimitMB,
		&spec.KeyAlgorithms,
		&spec.HintRoadmap,
		&spec.Pitfalls,
		&spec.Canonical,
		&spec.TestCases, // pgx handles JSONB -> slice
		&spec.BlockKeywords,
		&spec.CreatedAt,
	)

	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("problem spec %s: %w", specID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get problem spec: %w", err)
	}

	return &spec, nil
}

// Create inserts a problem spec. Used by seeding and tests.
func (r *PostgresProblemRepository) Create(ctx context.Context, spec *exam.ProblemSpec) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (spec_id, problem_id, title, input_format, output_format, time_limit_sec, memory_limit_mb,
		                key_algorithms, hint_roadmap, common_pitfalls, canonical_solution, test_cases, block_keywords, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.tables.ProblemSpecs)

	createdAt := spec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	executor := GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		spec.SpecID,
		spec.ProblemID,
		spec.Title,
		spec.InputFormat,
		spec.OutputFormat,
		spec.TimeLimitSec,
		spec.MemoryLimitMB,
		spec.KeyAlgorithms,
		spec.HintRoadmap,
		spec.Pitfalls,
		spec.Canonical,
		spec.TestCases, // pgx handles slice -> JSONB (nil becomes NULL)
		spec.BlockKeywords,
		createdAt,
	)

	if err != nil {
		if IsPgDuplicateError(err) {
			return fmt.Errorf("problem spec %s already exists: %w", spec.SpecID, domain.ErrPrecondition)
		}
		return fmt.Errorf("create problem spec: %w", err)
	}

	return nil
}
