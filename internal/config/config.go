// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	ContentDir  string
	AdminToken  string

	LLM             LLMConfig
	Classifiers     ClassifierConfig
	Cache           CacheConfig
	Tutor           TutorConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Retry           RetryConfig
	ConversationLog ConversationLogConfig
	Tracing         TracingConfig
}

// LLMConfig selects and configures the generation provider.
type LLMConfig struct {
	Provider       string // "anthropic" or "sidecar"
	APIKey         string
	BaseURL        string
	MainModel      string
	FastModel      string
	Temperature    float64
	RequestTimeout time.Duration
	SidecarAddr    string
	MaxAttempts    int
}

// ClassifierConfig bounds the fast-model calls.
type ClassifierConfig struct {
	ModerationTimeout   time.Duration
	IntentTimeout       time.Duration
	VerificationTimeout time.Duration
}

// CacheConfig controls the topic context cache.
type CacheConfig struct {
	Backend       string // "memory" or "redis"
	TTL           time.Duration
	SweepInterval time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// TutorConfig tunes turn orchestration.
type TutorConfig struct {
	HistoryMessages    int
	HistoryExchanges   int
	HistoryTokenBudget int
	BackgroundWorkers  int
	BackgroundQueue    int
	BackgroundTimeout  time.Duration
	SessionIdleTTL     time.Duration
}

// RateLimitConfig limits turns per learner.
type RateLimitConfig struct {
	Enabled bool
	PerMin  int
	Burst   int
}

// SSEConfig controls the turn stream transport.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	MaxBodyBytes      int64
}

// RetryConfig controls database conflict retries.
type RetryConfig struct {
	DBMaxRetries int
	DBBaseDelay  time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TracingConfig controls OpenTelemetry.
type TracingConfig struct {
	Enabled     bool
	SampleRatio float64
	Environment string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tutorloop.db"),
		ContentDir:  getEnv("CONTENT_DIR", "./content"),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		LLM: LLMConfig{
			Provider:       strings.ToLower(getEnv("LLM_PROVIDER", "anthropic")),
			APIKey:         getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:        getEnv("ANTHROPIC_BASE_URL", ""),
			MainModel:      getEnv("LLM_MAIN_MODEL", "claude-sonnet-4-5"),
			FastModel:      getEnv("LLM_FAST_MODEL", "claude-haiku-4-5"),
			Temperature:    getEnvFloat("LLM_TEMPERATURE", 0.7),
			RequestTimeout: getEnvDuration("LLM_REQUEST_TIMEOUT", 30*time.Second),
			SidecarAddr:    getEnv("LLM_SIDECAR_ADDR", "localhost:50051"),
			MaxAttempts:    getEnvInt("LLM_MAX_ATTEMPTS", 3),
		},
		Classifiers: ClassifierConfig{
			ModerationTimeout:   getEnvDuration("MODERATION_TIMEOUT", 3*time.Second),
			IntentTimeout:       getEnvDuration("INTENT_TIMEOUT", 3*time.Second),
			VerificationTimeout: getEnvDuration("VERIFICATION_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(getEnv("TOPIC_CACHE_BACKEND", "memory")),
			TTL:           getEnvDuration("TOPIC_CACHE_TTL", time.Hour),
			SweepInterval: getEnvDuration("TOPIC_CACHE_SWEEP", 5*time.Minute),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Tutor: TutorConfig{
			HistoryMessages:    getEnvInt("HISTORY_MESSAGES", 12),
			HistoryExchanges:   getEnvInt("HISTORY_EXCHANGES", 6),
			HistoryTokenBudget: getEnvInt("HISTORY_TOKEN_BUDGET", 1200),
			BackgroundWorkers:  getEnvInt("BACKGROUND_WORKERS", 4),
			BackgroundQueue:    getEnvInt("BACKGROUND_QUEUE_SIZE", 256),
			BackgroundTimeout:  getEnvDuration("BACKGROUND_TIMEOUT", 30*time.Second),
			SessionIdleTTL:     getEnvDuration("SESSION_IDLE_TTL", 2*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			PerMin:  getEnvInt("RATE_LIMIT_TURNS_PER_MIN", 20),
			Burst:   getEnvInt("RATE_LIMIT_BURST", 5),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			MaxBodyBytes:      int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 16*1024)),
		},
		Retry: RetryConfig{
			DBMaxRetries: getEnvInt("DB_MAX_RETRIES", 3),
			DBBaseDelay:  getEnvDuration("DB_RETRY_BASE_DELAY", 100*time.Millisecond),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			SampleRatio: getEnvFloat("OTEL_SAMPLER_RATIO", 0.1),
			Environment: getEnv("APP_ENV", "development"),
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
	if c.ContentDir == "" {
		return fmt.Errorf("CONTENT_DIR cannot be empty")
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
		}
	case "sidecar":
		if c.LLM.SidecarAddr == "" {
			return fmt.Errorf("LLM_SIDECAR_ADDR is required when LLM_PROVIDER=sidecar")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be anthropic or sidecar, got %q", c.LLM.Provider)
	}
	if c.LLM.MainModel == "" || c.LLM.FastModel == "" {
		return fmt.Errorf("LLM_MAIN_MODEL and LLM_FAST_MODEL cannot be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 1")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when TOPIC_CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("TOPIC_CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("TOPIC_CACHE_TTL must be > 0")
	}
	if c.Tutor.BackgroundWorkers <= 0 || c.Tutor.BackgroundQueue <= 0 {
		return fmt.Errorf("BACKGROUND_WORKERS and BACKGROUND_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerMin <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("RATE_LIMIT_TURNS_PER_MIN and RATE_LIMIT_BURST must be > 0")
	}
	if c.SSE.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
