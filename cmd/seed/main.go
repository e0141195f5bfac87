package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/repository/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// devSessionID is the OPEN session seeded for local development. The chat
// endpoint accepts it immediately after seeding.
const devSessionID int64 = 1001

func main() {
	// Parse command-line flags
	reset := flag.Bool("reset", false, "Drop all tables before seeding (fresh start)")
	schemaOnly := flag.Bool("schema-only", false, "Only set up schema, don't seed problem specs (for use with shell scripts)")
	clearData := flag.Bool("clear-data", false, "Clear sessions and grading evidence (keep schema and problem specs)")
	flag.Parse()

	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// SAFETY: Prevent destructive operations in production
	if cfg.Environment == "prod" && (*reset || *clearData) {
		log.Fatalf("🚫 BLOCKED: Cannot run destructive operations (--reset or --clear-data) in production environment")
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *clearData {
		log.Printf("🧹 Clearing data only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else if *schemaOnly {
		log.Printf("🏗️  Setting up schema only (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	} else {
		log.Printf("🌱 Seeding database (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)
	}

	// Create database connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Drop tables if requested
	if *reset {
		log.Println("🗑️  Dropping all tables...")
		if err := dropAllTables(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
		log.Println("✅ Tables dropped")
	}

	// Run schema to ensure tables exist
	log.Println("📋 Ensuring database schema is up to date...")
	if err := runSchema(ctx, pool, tables, cfg.TablePrefix); err != nil {
		log.Fatalf("Failed to run schema: %v", err)
	}
	log.Println("✅ Schema ready")

	// Exit early if schema-only mode
	if *schemaOnly {
		log.Println("✅ Schema setup complete (schema-only mode)")
		return
	}

	// Exit early if clear-data mode (just clear and exit)
	if *clearData {
		log.Println("🧹 Clearing sessions and grading evidence...")
		if err := clearExamData(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to clear data: %v", err)
		}
		log.Println("✅ Data cleared successfully")
		return
	}

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	problemRepo := postgres.NewProblemRepository(repoConfig)
	sessionRepo := postgres.NewSessionRepository(repoConfig)

	// Seed problem specs
	log.Println("📝 Seeding problem specs...")

	specs := getSeedSpecs()
	for i, spec := range specs {
		err := problemRepo.Create(ctx, spec)
		if errors.Is(err, domain.ErrPrecondition) {
			log.Printf("↩️  Spec %d/%d already present: %s", i+1, len(specs), spec.SpecID)
			continue
		}
		if err != nil {
			log.Fatalf("❌ Failed to create problem spec '%s': %v", spec.SpecID, err)
		}
		log.Printf("✅ Created spec %d/%d: %s (%s, %d test cases)",
			i+1, len(specs), spec.SpecID, spec.Title, len(spec.TestCases))
	}

	// Seed one OPEN session so the chat endpoint works out of the box
	session := devSession(specs[0])
	err = sessionRepo.Create(ctx, session)
	if errors.Is(err, domain.ErrPrecondition) {
		log.Printf("↩️  Dev session %d already present", session.ID)
	} else if err != nil {
		log.Fatalf("❌ Failed to create dev session: %v", err)
	} else {
		log.Printf("✅ Created OPEN dev session %d (exam: %s, problem: %s)",
			session.ID, session.ExamID, session.ProblemID)
	}

	log.Println("🎉 Seeding complete!")
}

// runSchema creates tables if they don't exist
func runSchema(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, tablePrefix string) error {
	// Create sessions table. Ids come from the exam platform, so no serial.
	createSessions := `
		CREATE TABLE IF NOT EXISTS ` + tables.Sessions + ` (
			id BIGINT PRIMARY KEY,
			exam_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			problem_id TEXT NOT NULL,
			spec_id TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'python',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createSessions); err != nil {
		return err
	}

	// Create messages table (durable dialogue mirror)
	createMessages := `
		CREATE TABLE IF NOT EXISTS ` + tables.Messages + ` (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES ` + tables.Sessions + `(id) ON DELETE CASCADE,
			turn INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (session_id, turn, role)
		)
	`
	if _, err := pool.Exec(ctx, createMessages); err != nil {
		return err
	}

	// Create problem_specs table
	createProblemSpecs := `
		CREATE TABLE IF NOT EXISTS ` + tables.ProblemSpecs + ` (
			spec_id TEXT PRIMARY KEY,
			problem_id TEXT NOT NULL,
			title TEXT NOT NULL,
			input_format TEXT NOT NULL DEFAULT '',
			output_format TEXT NOT NULL DEFAULT '',
			time_limit_sec DOUBLE PRECISION NOT NULL DEFAULT 2,
			memory_limit_mb INTEGER NOT NULL DEFAULT 256,
			key_algorithms JSONB,
			hint_roadmap JSONB,
			common_pitfalls JSONB,
			canonical_solution TEXT NOT NULL DEFAULT '',
			test_cases JSONB,
			block_keywords JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createProblemSpecs); err != nil {
		return err
	}

	// Create evaluations table. Turn is NULL for session-scoped rows, so the
	// uniqueness the upserts rely on needs an expression index rather than a
	// plain constraint.
	createEvaluations := `
		CREATE TABLE IF NOT EXISTS ` + tables.Evaluations + ` (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES ` + tables.Sessions + `(id) ON DELETE CASCADE,
			turn INTEGER,
			evaluation_type TEXT NOT NULL,
			intent TEXT,
			intent_confidence DOUBLE PRECISION,
			rubrics JSONB,
			weighted_score DOUBLE PRECISION,
			assistant_summary TEXT,
			final_reasoning TEXT,
			guardrail_failed BOOLEAN NOT NULL DEFAULT FALSE,
			flow_score DOUBLE PRECISION,
			analysis TEXT,
			qualities JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createEvaluations); err != nil {
		return err
	}

	// Create submissions table
	createSubmissions := `
		CREATE TABLE IF NOT EXISTS ` + tables.Submissions + ` (
			submission_id TEXT PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES ` + tables.Sessions + `(id) ON DELETE CASCADE,
			correctness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			prompt_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			grade TEXT NOT NULL DEFAULT '',
			test_outcomes JSONB,
			execution_time_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_used_bytes BIGINT NOT NULL DEFAULT 0,
			skip_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, createSubmissions); err != nil {
		return err
	}

	// Create indexes
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `sessions_lookup ON ` + tables.Sessions + `(exam_id, participant_id, problem_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `messages_session_turn ON ` + tables.Messages + `(session_id, turn)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `evaluations_scope ON ` + tables.Evaluations + `(session_id, COALESCE(turn, -1), evaluation_type)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `submissions_session ON ` + tables.Submissions + `(session_id)`,
	}

	for _, indexSQL := range indexes {
		if _, err := pool.Exec(ctx, indexSQL); err != nil {
			return err
		}
	}

	return nil
}

// dropAllTables drops all tables in reverse order (to respect foreign keys)
func dropAllTables(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	tableNames := []string{
		tables.Submissions,
		tables.Evaluations,
		tables.Messages,
		tables.Sessions,
		tables.ProblemSpecs,
	}

	for _, table := range tableNames {
		dropSQL := "DROP TABLE IF EXISTS " + table + " CASCADE"
		if _, err := pool.Exec(ctx, dropSQL); err != nil {
			return err
		}
		log.Printf("  ✓ Dropped %s", table)
	}

	return nil
}

// clearExamData deletes sessions plus everything hanging off them. Problem
// specs survive so a reseed is not needed after clearing.
func clearExamData(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	// Children first, though the cascade would cover them anyway
	for _, table := range []string{tables.Submissions, tables.Evaluations, tables.Messages, tables.Sessions} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// devSession returns the OPEN development session bound to the given spec.
func devSession(spec *exam.ProblemSpec) *exam.Session {
	return &exam.Session{
		ID:            devSessionID,
		ExamID:        "exam-dev",
		ParticipantID: "participant-dev",
		ProblemID:     spec.ProblemID,
		SpecID:        spec.SpecID,
		Language:      "python",
		Status:        exam.SessionOpen,
		CreatedAt:     time.Now().UTC(),
	}
}

func getSeedSpecs() []*exam.ProblemSpec {
	return []*exam.ProblemSpec{
		{
			SpecID:    "spec-tsp-v1",
			ProblemID: "prob-tsp",
			Title:     "Shortest Round Trip",
			InputFormat: "The first line holds n (2 <= n <= 12), the number of cities. " +
				"The next n lines each hold n integers; the j-th integer on line i is the travel cost from city i to city j. " +
				"Costs are non-negative and the diagonal is zero.",
			OutputFormat:  "A single integer: the minimum cost of a tour that starts at city 0, visits every city exactly once, and returns to city 0.",
			TimeLimitSec:  2.0,
			MemoryLimitMB: 256,
			KeyAlgorithms: []string{
				"dynamic programming over subsets",
				"Held-Karp",
			},
			HintRoadmap: []string{
				"Think about whether trying every ordering of cities can finish in time. How fast does the number of orderings grow as n approaches 12?",
				"Two partial tours that end in the same city and have visited the same set of cities are interchangeable; only the cheaper one matters. What does that suggest storing?",
				"Encode the visited set as a bitmask and keep, for every (visited set, last city) pair, the cheapest cost of reaching that state.",
				"Start from the state where only city 0 is visited at cost 0, extend states in increasing bitmask order, and close the tour by adding the edge from each last city back to city 0.",
			},
			Pitfalls: []string{
				"Forgetting the return edge to city 0 when closing the tour",
				"Plain recursion without memoization times out beyond n = 10",
				"Reading the cost matrix with row and column swapped; the samples are symmetric but the graders are not",
			},
			Canonical: `import sys

def main():
    data = sys.stdin.read().split()
    n = int(data[0])
    cost = [[int(data[1 + i * n + j]) for j in range(n)] for i in range(n)]
    full = 1 << n
    INF = float("inf")
    dp = [[INF] * n for _ in range(full)]
    dp[1][0] = 0
    for mask in range(full):
        for last in range(n):
            cur = dp[mask][last]
            if cur == INF:
                continue
            for nxt in range(n):
                if mask & (1 << nxt):
                    continue
                nm = mask | (1 << nxt)
                cand = cur + cost[last][nxt]
                if cand < dp[nm][nxt]:
                    dp[nm][nxt] = cand
    best = min(dp[full - 1][last] + cost[last][0] for last in range(1, n))
    print(best)

main()
`,
			TestCases: []exam.TestCase{
				{
					Input:       "2\n0 5\n5 0\n",
					Expected:    "10",
					Description: "smallest instance, out and back",
				},
				{
					Input:       "3\n0 1 2\n1 0 1\n2 1 0\n",
					Expected:    "4",
					Description: "both orientations tie",
				},
				{
					Input:       "4\n0 10 15 20\n10 0 35 25\n15 35 0 30\n20 25 30 0\n",
					Expected:    "80",
					Description: "textbook four-city instance",
				},
			},
			BlockKeywords: []string{
				"held-karp",
				"held karp",
				"dp[mask]",
				"full working solution",
			},
		},
	}
}
