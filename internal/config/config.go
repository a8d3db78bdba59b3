// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	LogLevel        string
	LogFormat       string // "json" or "text"
	HistoryWindow   int
	AgentSeedFile   string
	GRPCHealthAddr  string // empty disables the gRPC health server
	CORSOrigins     []string
	Providers       ProviderConfig
	Generation      GenerationConfig
	Judge           JudgeConfig
	Worker          WorkerConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Push            PushConfig
	Backfill        BackfillConfig
	ConversationLog ConversationLogConfig
}

// ProviderConfig holds model provider credentials. A provider without a key
// is not registered.
type ProviderConfig struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
}

// GenerationConfig controls the achievement generation loop.
// Zero MaxIterations and MaxDuration leave the loop unbounded.
type GenerationConfig struct {
	SimulatorModel string
	EvaluatorModel string
	GeneratorModel string
	MaxIterations  int
	MaxDuration    time.Duration
}

// JudgeConfig controls live achievement judgement.
type JudgeConfig struct {
	Model string
}

// WorkerConfig sizes the background evaluation pool.
type WorkerConfig struct {
	Size        int
	QueueSize   int
	TaskTimeout time.Duration
}

// RateLimitConfig limits turn requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig holds streaming endpoint limits.
type SSEConfig struct {
	MaxRequestBodySize int64
}

// PushConfig holds Web Push VAPID settings. Push is disabled without keys.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

// Enabled reports whether Web Push delivery is configured.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

// BackfillConfig schedules catalog generation for agents without one.
type BackfillConfig struct {
	Schedule string // cron expression, empty disables
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/agentquest.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		HistoryWindow:  getEnvInt("HISTORY_WINDOW", 50),
		AgentSeedFile:  getEnv("AGENT_SEED_FILE", ""),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Providers: ProviderConfig{
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		},
		Generation: GenerationConfig{
			SimulatorModel: getEnv("GENERATION_SIMULATOR_MODEL", "gpt-4o-mini"),
			EvaluatorModel: getEnv("GENERATION_EVALUATOR_MODEL", "gpt-4.1-mini"),
			GeneratorModel: getEnv("GENERATION_GENERATOR_MODEL", "gpt-4o-mini"),
			MaxIterations:  getEnvInt("GENERATION_MAX_ITERATIONS", 0),
			MaxDuration:    getEnvDuration("GENERATION_MAX_DURATION", 0),
		},
		Judge: JudgeConfig{
			Model: getEnv("JUDGE_MODEL", "gpt-4o-mini"),
		},
		Worker: WorkerConfig{
			Size:        getEnvInt("WORKER_POOL_SIZE", 4),
			QueueSize:   getEnvInt("WORKER_QUEUE_SIZE", 256),
			TaskTimeout: getEnvDuration("WORKER_TASK_TIMEOUT", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Push: PushConfig{
			VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
			Subscriber:      getEnv("VAPID_SUBJECT", "mailto:admin@example.com"),
			TTL:             getEnvInt("PUSH_TTL_SECONDS", 3600),
		},
		Backfill: BackfillConfig{
			Schedule: getEnv("CATALOG_BACKFILL_SCHEDULE", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.Generation.MaxIterations < 0 {
		return fmt.Errorf("GENERATION_MAX_ITERATIONS must be >= 0")
	}
	if c.Generation.MaxDuration < 0 {
		return fmt.Errorf("GENERATION_MAX_DURATION must be >= 0")
	}
	if c.Worker.Size <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0")
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
