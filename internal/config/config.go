package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string
	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	CORSOrigins string
	TablePrefix string
	// LLM Configuration
	DefaultProvider string
	AnthropicAPIKey string
	DefaultModel    string
	DefaultTemp     float64
	DefaultMaxTok   int
	// Session state
	CheckpointTTL time.Duration
	// Sandbox
	UseRedisQueue  bool
	SandboxWorkers int
	Judge0APIURL   string
	Judge0APIKey   string
	TestCaseLimit  int
	// Gateway throttling and retries
	RateLimitRPS     float64
	RateLimitBurst   int
	RetryMaxAttempts int
	RetryInitialWait time.Duration
	RetryBackoff     string // "fixed" or "exponential"
	// Evaluation weights override (empty = embedded defaults)
	WeightsPath string
	// Optional file logging
	LogDir      string
	LogMaxFiles int
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: env,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		TablePrefix: getTablePrefix(env),
		// LLM Configuration
		DefaultProvider: getEnv("LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		DefaultModel:    getEnv("LLM_MODEL_DEFAULT", "claude-sonnet-4-5"),
		DefaultTemp:     getEnvFloat("LLM_TEMPERATURE", 0.2),
		DefaultMaxTok:   getEnvInt("LLM_MAX_TOKENS", 2048),
		// Session state
		CheckpointTTL: time.Duration(getEnvInt("CHECKPOINT_TTL_SECONDS", 86400)) * time.Second,
		// Sandbox
		UseRedisQueue:  getEnvBool("USE_REDIS_QUEUE", false),
		SandboxWorkers: getEnvInt("SANDBOX_WORKERS", 2),
		Judge0APIURL:   getEnv("JUDGE0_API_URL", ""),
		Judge0APIKey:   getEnv("JUDGE0_API_KEY", ""),
		TestCaseLimit:  getEnvInt("CODE_EVAL_TEST_CASE_LIMIT", 1),
		// Gateway throttling and retries
		RateLimitRPS:     getEnvFloat("MIDDLEWARE_RATE_LIMIT_RPS", 5),
		RateLimitBurst:   getEnvInt("MIDDLEWARE_RATE_LIMIT_BURST", 10),
		RetryMaxAttempts: getEnvInt("MIDDLEWARE_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialWait: time.Duration(getEnvInt("MIDDLEWARE_RETRY_INITIAL_DELAY_MS", 500)) * time.Millisecond,
		RetryBackoff:     getEnv("MIDDLEWARE_RETRY_BACKOFF", "exponential"),
		// Evaluation weights
		WeightsPath: getEnv("EVAL_WEIGHTS_PATH", ""),
		// Optional file logging
		LogDir:      getEnv("LOG_DIR", ""),
		LogMaxFiles: getEnvInt("LOG_MAX_FILES", 5),
	}
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	// Allow manual override via TABLE_PREFIX env var
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}

	// Auto-generate based on environment
	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
