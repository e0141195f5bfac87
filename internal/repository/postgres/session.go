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

// PostgresSessionRepository implements the SessionRepository interface
type PostgresSessionRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(config *RepositoryConfig) repositories.SessionRepository {
	return &PostgresSessionRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// GetByID retrieves a session by its platform-assigned id
func (r *PostgresSessionRepository) GetByID(ctx context.Context, id int64) (*exam.Session, error) {
	query := fmt.Sprintf(`
		SELECT id, exam_id, participant_id, problem_id, spec_id, language, status, created_at, updated_at
		FROM %s
		WHERE id = $1
	`, r.tables.Sessions)

	var session exam.Session
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.ExamID,
		&session.ParticipantID,
		&session.ProblemID,
		&session.SpecID,
		&session.Language,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return &session, nil
}

// FindOpen returns the newest OPEN session for the exam/participant/problem
// triple.
func (r *PostgresSessionRepository) FindOpen(ctx context.Context, examID, participantID, problemID string) (*exam.Session, error) {
	query := fmt.Sprintf(`
		SELECT id, exam_id, participant_id, problem_id, spec_id, language, status, created_at, updated_at
		FROM %s
		WHERE exam_id = $1 AND participant_id = $2 AND problem_id = $3 AND status = $4
		ORDER BY created_at DESC
		LIMIT 1
	`, r.tables.Sessions)

	var session exam.Session
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, examID, participantID, problemID, exam.SessionOpen).Scan(
		&session.ID,
		&session.ExamID,
		&session.ParticipantID,
		&session.ProblemID,
		&session.SpecID,
		&session.Language,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("open session for %s/%s/%s: %w",
				examID, participantID, problemID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("find open session: %w", err)
	}

	return &session, nil
}

// Create inserts a session row. Ids come from the platform, so the id is
// written as given rather than generated.
func (r *PostgresSessionRepository) Create(ctx context.Context, session *exam.Session) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, exam_id, participant_id, problem_id, spec_id, language, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, r.tables.Sessions)

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		session.ID,
		session.ExamID,
		session.ParticipantID,
		session.ProblemID,
		session.SpecID,
		session.Language,
		session.Status,
		session.CreatedAt,
		session.UpdatedAt,
	).Scan(&session.CreatedAt, &session.UpdatedAt)

	if err != nil {
		if IsPgDuplicateError(err) {
			return fmt.Errorf("session %d already exists: %w", session.ID, domain.ErrPrecondition)
		}
		return fmt.Errorf("create session: %w", err)
	}

	return nil
}

// UpdateStatus moves the session through its lifecycle
func (r *PostgresSessionRepository) UpdateStatus(ctx context.Context, id int64, status exam.SessionStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, r.tables.Sessions)

	executor := GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}

	return nil
}
