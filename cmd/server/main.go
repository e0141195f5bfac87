package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proctor/internal/config"
	"proctor/internal/evalconfig"
	"proctor/internal/handler"
	"proctor/internal/middleware"
	"proctor/internal/repository/postgres"
	"proctor/internal/repository/sessionstore"
	"proctor/internal/service/evaluation"
	"proctor/internal/service/guardrail"
	"proctor/internal/service/llm"
	"proctor/internal/service/llm/providers/anthropic"
	"proctor/internal/service/llm/providers/lorem"
	"proctor/internal/service/sandbox"
	"proctor/internal/service/sandbox/judge0"
	"proctor/internal/service/session"
	"proctor/internal/service/tutor"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.SetupLogFile(cfg.LogDir, cfg.LogMaxFiles)
		if err != nil {
			log.Fatalf("Failed to set up log file: %v", err)
		}
		defer logFile.Close()
		logOut = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger) // Set as default logger

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create pgx connection pool for the durable exam records
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Create table names
	tables := postgres.NewTableNames(cfg.TablePrefix)

	// Create repositories
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	sessionRepo := postgres.NewSessionRepository(repoConfig)
	problemRepo := postgres.NewProblemRepository(repoConfig)
	messageRepo := postgres.NewMessageRepository(repoConfig)
	evalRepo := postgres.NewEvaluationRepository(repoConfig)
	submissionRepo := postgres.NewSubmissionRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool)

	// Redis backs the ephemeral session checkpoints and, optionally, the
	// sandbox task queue
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	store := sessionstore.NewRedisStore(rdb, sessionstore.WithTTL(cfg.CheckpointTTL))

	logger.Info("redis connected", "addr", cfg.RedisAddr, "checkpoint_ttl", cfg.CheckpointTTL)

	// Evaluation node configs and the intent weight table
	nodes, err := evalconfig.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to load evaluation configs: %v", err)
	}
	nodes.SetDefaults(cfg.DefaultModel, cfg.DefaultTemp, cfg.DefaultMaxTok)
	if cfg.WeightsPath != "" {
		if err := nodes.LoadWeightsFile(cfg.WeightsPath); err != nil {
			log.Fatalf("Failed to load weight table override: %v", err)
		}
		logger.Info("weight table overridden", "path", cfg.WeightsPath)
	}

	// Setup LLM providers. Lorem is always available for development models;
	// Anthropic joins when configured.
	providers := llm.NewProviderRegistry()
	providers.Register(lorem.NewProvider())
	switch cfg.DefaultProvider {
	case "anthropic":
		anthropicProvider, err := anthropic.NewProvider(cfg.AnthropicAPIKey)
		if err != nil {
			log.Fatalf("Failed to create Anthropic provider: %v", err)
		}
		providers.Register(anthropicProvider)
	case "lorem":
		// Already registered.
	default:
		log.Fatalf("Unknown LLM_PROVIDER %q (want anthropic or lorem)", cfg.DefaultProvider)
	}
	if _, err := providers.ForModel(cfg.DefaultModel); err != nil {
		log.Fatalf("Default model is unusable: %v", err)
	}

	gateway := llm.NewGateway(providers, nodes, llm.GatewayConfig{
		RatePerSecond: cfg.RateLimitRPS,
		Burst:         cfg.RateLimitBurst,
		Retry: llm.RetryPolicy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialWait,
			Backoff:      cfg.RetryBackoff,
		},
	}, logger)

	// Conversation-side services
	guardrailSvc := guardrail.NewService(gateway, logger)
	tutorSvc := tutor.NewService(gateway, logger)
	turnEval := evaluation.NewTurnEvaluator(gateway, nodes, logger)
	holisticEval := evaluation.NewHolisticEvaluator(gateway, logger)

	// Sandbox execution: queue, worker pool, and the code evaluator that
	// feeds it
	var queue sandbox.WorkerQueue
	if cfg.UseRedisQueue {
		queue = sandbox.NewRedisQueue(rdb)
	} else {
		queue = sandbox.NewMemoryQueue(config.SandboxQueueCapacity)
	}
	executor := judge0.NewClient(cfg.Judge0APIURL, cfg.Judge0APIKey)
	workerPool := sandbox.NewPool(queue, executor, cfg.SandboxWorkers, logger)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerPool.Start(workerCtx)
	codeEval := sandbox.NewCodeEvaluator(queue, cfg.TestCaseLimit, logger)

	// Session orchestrator ties the whole evaluation core together
	orchestrator := session.New(session.Deps{
		Store:       store,
		Sessions:    sessionRepo,
		Problems:    problemRepo,
		Messages:    messageRepo,
		Evaluations: evalRepo,
		Submissions: submissionRepo,
		Tx:          txManager,
		Guardrail:   guardrailSvc,
		Tutor:       tutorSvc,
		TurnEval:    turnEval,
		Holistic:    holisticEval,
		CodeEval:    codeEval,
		Gateway:     gateway,
		Logger:      logger,
	})

	// Create handlers
	chatHandler := handler.NewChatHandler(orchestrator, logger)
	submitHandler := handler.NewSubmitHandler(orchestrator, logger)
	streamHandler := handler.NewStreamHandler(orchestrator, logger)

	logger.Info("services initialized",
		"provider", cfg.DefaultProvider,
		"model", cfg.DefaultModel,
		"sandbox_workers", cfg.SandboxWorkers,
		"redis_queue", cfg.UseRedisQueue,
	)

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", handler.Health("proctor"))

	// Chat routes
	mux.HandleFunc("POST /chat/messages", chatHandler.PostMessage)
	mux.HandleFunc("GET /chat/stream", streamHandler.Stream)

	// Submission route
	mux.HandleFunc("POST /session/submit", submitHandler.Submit)

	// Build middleware chain
	var root http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Routes
	root = middleware.Recovery(logger)(root)

	// CORS - Must be outermost to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	})
	root = corsHandler.Handler(root)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled: submissions block until grading finishes
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal, then drain: stop accepting requests, let
	// background evaluations and sandbox workers finish.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	orchestrator.Close()
	stopWorkers()
	workerPool.Wait()

	logger.Info("server stopped")
}
