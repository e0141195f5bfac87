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

// PostgresEvaluationRepository implements the EvaluationRepository interface.
// TURN_EVAL and HOLISTIC_FLOW rows share one table; holistic rows carry a
// null turn, and uniqueness is on (session_id, COALESCE(turn, -1),
// evaluation_type) so both kinds upsert against the same index.
type PostgresEvaluationRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewEvaluationRepository creates a new evaluation repository
func NewEvaluationRepository(config *RepositoryConfig) repositories.EvaluationRepository {
	return &PostgresEvaluationRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// UpsertTurnEval writes or replaces the TURN_EVAL row for (session, turn)
func (r *PostgresEvaluationRepository) UpsertTurnEval(ctx context.Context, sessionID int64, log *exam.TurnLog) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, turn, evaluation_type, intent, intent_confidence, rubrics, weighted_score, assistant_summary, final_reasoning, guardrail_failed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, COALESCE(turn, -1), evaluation_type) DO UPDATE SET
			intent = EXCLUDED.intent,
			intent_confidence = EXCLUDED.intent_confidence,
			rubrics = EXCLUDED.rubrics,
			weighted_score = EXCLUDED.weighted_score,
			assistant_summary = EXCLUDED.assistant_summary,
			final_reasoning = EXCLUDED.final_reasoning,
			guardrail_failed = EXCLUDED.guardrail_failed,
			created_at = EXCLUDED.created_at
	`, r.tables.Evaluations)

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	executor := GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		sessionID,
		log.Turn,
		exam.EvalTurn,
		log.Intent,
		log.IntentConfidence,
		log.Rubrics, // pgx handles slice -> JSONB (nil becomes NULL)
		log.WeightedScore,
		log.AssistantSummary,
		log.FinalReasoning,
		log.GuardrailFailed,
		createdAt,
	)

	if err != nil {
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
		}
		return fmt.Errorf("upsert turn evaluation: %w", err)
	}

	return nil
}

// UpsertHolistic writes or replaces the session's HOLISTIC_FLOW row
func (r *PostgresEvaluationRepository) UpsertHolistic(ctx context.Context, sessionID int64, log *exam.HolisticLog) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, turn, evaluation_type, flow_score, analysis, qualities, created_at)
		VALUES ($1, NULL, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, COALESCE(turn, -1), evaluation_type) DO UPDATE SET
			flow_score = EXCLUDED.flow_score,
			analysis = EXCLUDED.analysis,
			qualities = EXCLUDED.qualities,
			created_at = EXCLUDED.created_at
	`, r.tables.Evaluations)

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	executor := GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		sessionID,
		exam.EvalHolisticFlow,
		log.FlowScore,
		log.Analysis,
		log.Qualities, // pgx handles slice -> JSONB (nil becomes NULL)
		createdAt,
	)

	if err != nil {
		if IsPgForeignKeyError(err) {
			return fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
		}
		return fmt.Errorf("upsert holistic evaluation: %w", err)
	}

	return nil
}

// ListTurnEvals retrieves the session's TURN_EVAL rows ordered by turn
func (r *PostgresEvaluationRepository) ListTurnEvals(ctx context.Context, sessionID int64) ([]exam.TurnLog, error) {
	query := fmt.Sprintf(`
		SELECT turn, intent, intent_confidence, rubrics, weighted_score, assistant_summary, final_reasoning, guardrail_failed, created_at
		FROM %s
		WHERE session_id = $1 AND evaluation_type = $2
		ORDER BY turn ASC
	`, r.tables.Evaluations)

	executor := GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, sessionID, exam.EvalTurn)
	if err != nil {
		return nil, fmt.Errorf("list turn evaluations: %w", err)
	}
	defer rows.Close()

	var logs []exam.TurnLog
	for rows.Next() {
		var log exam.TurnLog
		err := rows.Scan(
			&log.Turn,
			&log.Intent,
			&log.IntentConfidence,
			&log.Rubrics, // pgx handles JSONB -> slice
			&log.WeightedScore,
			&log.AssistantSummary,
			&log.FinalReasoning,
			&log.GuardrailFailed,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan turn evaluation: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn evaluations: %w", err)
	}

	return logs, nil
}

// GetHolistic retrieves the session's HOLISTIC_FLOW row
func (r *PostgresEvaluationRepository) GetHolistic(ctx context.Context, sessionID int64) (*exam.HolisticLog, error) {
	query := fmt.Sprintf(`
		SELECT flow_score, analysis, qualities, created_at
		FROM %s
		WHERE session_id = $1 AND evaluation_type = $2
	`, r.tables.Evaluations)

	var log exam.HolisticLog
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, sessionID, exam.EvalHolisticFlow).Scan(
		&log.FlowScore,
		&log.Analysis,
		&log.Qualities, // pgx handles JSONB -> slice
		&log.CreatedAt,
	)

	if err != nil {
		if IsPgNoRowsError(err) {
			return nil, fmt.Errorf("holistic evaluation for session %d: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get holistic evaluation: %w", err)
	}

	return &log, nil
}
