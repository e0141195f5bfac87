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

// PostgresMessageRepository implements the MessageRepository interface
type PostgresMessageRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(config *RepositoryConfig) repositories.MessageRepository {
	return &PostgresMessageRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// CreateTurnMessages writes the messages of one turn. Inserts are idempotent
// on (session_id, turn, role); replaying a turn's pair is a no-op.
func (r *PostgresMessageRepository) CreateTurnMessages(ctx context.Context, sessionID int64, msgs ...exam.Message) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, turn, role, content, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, turn, role) DO NOTHING
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	for _, msg := range msgs {
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		_, err := executor.Exec(ctx, query,
			sessionID,
			msg.Turn,
			msg.Role,
			msg.Content,
			msg.TokenCount,
			createdAt,
		)
		if err != nil {
			if IsPgForeignKeyError(err) {
				return fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
			}
			return fmt.Errorf("create message turn %d role %s: %w", msg.Turn, msg.Role, err)
		}
	}

	return nil
}

// HasTurnPair reports whether both roles exist for (session, turn)
func (r *PostgresMessageRepository) HasTurnPair(ctx context.Context, sessionID int64, turn int) (bool, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT role)
		FROM %s
		WHERE session_id = $1 AND turn = $2
	`, r.tables.Messages)

	var roles int
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, sessionID, turn).Scan(&roles)
	if err != nil {
		return false, fmt.Errorf("check turn pair: %w", err)
	}

	return roles == 2, nil
}

// ListBySession retrieves all messages for a session ordered by turn then role.
// USER sorts before ASSISTANT within a turn because dialogue order matches
// reverse lexical order of the two role names.
func (r *PostgresMessageRepository) ListBySession(ctx context.Context, sessionID int64) ([]exam.Message, error) {
	query := fmt.Sprintf(`
		SELECT turn, role, content, token_count, created_at
		FROM %s
		WHERE session_id = $1
		ORDER BY turn ASC, role DESC
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []exam.Message
	for rows.Next() {
		var msg exam.Message
		err := rows.Scan(
			&msg.Turn,
			&msg.Role,
			&msg.Content,
			&msg.TokenCount,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
