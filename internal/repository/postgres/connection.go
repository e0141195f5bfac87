package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proctor/internal/domain/repositories"
)

// RepositoryConfig holds configuration for repository implementations
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
	Logger *slog.Logger
}

// TableNames holds dynamically prefixed table names
type TableNames struct {
	Sessions     string
	Messages     string
	ProblemSpecs string
	Evaluations  string
	Submissions  string
}

// NewTableNames creates table names with the given prefix
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Sessions:     fmt.Sprintf("%ssessions", prefix),
		Messages:     fmt.Sprintf("%smessages", prefix),
		ProblemSpecs: fmt.Sprintf("%sproblem_specs", prefix),
		Evaluations:  fmt.Sprintf("%sevaluations", prefix),
		Submissions:  fmt.Sprintf("%ssubmissions", prefix),
	}
}

// CreateConnectionPool creates a new pgx connection pool with automatic PgBouncer compatibility.
//
// By default pgx uses prepared statements (QueryExecModeCacheStatement), which transaction
// poolers such as PgBouncer on port 6543 do not support. When that port is detected and the
// user has not overridden default_query_exec_mode in the connection string, the pool falls
// back to QueryExecModeCacheDescribe: extended protocol (needed for JSONB encoding of
// map payloads) without server-side prepared statements.
//
// Dynamic table prefixes (dev_, test_, prod_) are interpolated into SQL before it reaches
// the server, so each environment gets its own statements; the prefix never rides in a
// bind parameter.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	// Configure pool size
	config.MaxConns = 25
	config.MinConns = 5

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// GetExecutor returns the appropriate query executor for the context.
// If a transaction is present in the context, it returns the transaction.
// Otherwise, it returns the provided pool.
// This enables repositories to automatically participate in transactions when they exist.
func GetExecutor(ctx context.Context, pool *pgxpool.Pool) repositories.DBTX {
	if tx := repositories.GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}
