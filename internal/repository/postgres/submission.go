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

// PostgresSubmissionRepository implements the SubmissionRepository interface
type PostgresSubmissionRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(config *RepositoryConfig) repositories.SubmissionRepository {
	return &PostgresSubmissionRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// Create inserts the graded verdict for a session
func (r *PostgresSubmissionRepository) Create(ctx context.Context, result *exam.SubmissionResult) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (submission_id, session_id, correctness_score, performance_score, prompt_score, total_score,
		                grade, test_outcomes, execution_time_sec, memory_used_bytes, skip_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.tables.Submissions)

	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	executor := GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		result.SubmissionID,
		result.SessionID,
		result.CorrectnessScore,
		result.PerformanceScore,
		result.PromptScore,
		result.TotalScore,
		result.Grade,
		result.TestOutcomes, // pgx handles slice -> JSONB (nil becomes NULL)
		result.ExecutionTimeSec,
		result.MemoryUsedBytes,
		result.SkipReason,
		result.CreatedAt,
	)

	if err != nil {
		if IsPgDuplicateError(err) {
			return fmt.Errorf("submission %s already exists: %w", result.SubmissionID, domain.ErrPrecondition)
		}
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("session %d: %w", result.SessionID, domain.ErrNotFound)
		}
		return fmt.Errorf("create submission: %w", err)
	}

	return nil
}

// GetBySubmissionID retrieves a stored verdict by its platform-issued id
func (r *PostgresSubmissionRepository) GetBySubmissionID(ctx context.Context, submissionID string) (*exam.SubmissionResult, error) {
	query := fmt.Sprintf(`
		SELECT submission_id, session_id, correctness_score, performance_score, prompt_score, total_score,
		       grade, test_outcomes, execution_time_sec, memory_used_bytes, skip_reason, created_at
		FROM %s
		WHERE submission_id = $1
	`, r.tables.Submissions)

	var result exam.SubmissionResult
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, submissionID).Scan(
		&result.SubmissionID,
		&result.SessionID,
		&result.CorrectnessScore,
		&result.PerformanceScore,
		&result.PromptScore,
		&result.TotalScore,
		&result.Grade,
		&result.TestOutcomes, // pgx handles JSONB -> slice
		&result.ExecutionTimeSec,
		&result.MemoryUsedBytes,
		&result.SkipReason,
		&result.CreatedAt,
	)

	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("submission %s: %w", submissionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}

	return &result, nil
}
