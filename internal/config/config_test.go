package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("LLM_PROVIDER", "anthropic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.Cache.TTL != time.Hour || cfg.Cache.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Tutor.BackgroundWorkers != 4 || cfg.LLM.Temperature != 0.7 {
		t.Fatalf("unexpected tutor/llm defaults %+v %+v", cfg.Tutor, cfg.LLM)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "sidecar")
	t.Setenv("LLM_SIDECAR_ADDR", "llm:50051")
	t.Setenv("TOPIC_CACHE_TTL", "90")
	t.Setenv("MODERATION_TIMEOUT", "750ms")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("OTEL_ENABLED", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Fatalf("bare seconds should parse, got %v", cfg.Cache.TTL)
	}
	if cfg.Classifiers.ModerationTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected moderation timeout %v", cfg.Classifiers.ModerationTimeout)
	}
	if cfg.LLM.Temperature != 0.2 || !cfg.Tracing.Enabled || cfg.LLM.SidecarAddr != "llm:50051" {
		t.Fatalf("unexpected overrides %+v %+v", cfg.LLM, cfg.Tracing)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Port:       "8080",
			DBPath:     "db",
			ContentDir: "content",
			LLM:        LLMConfig{Provider: "anthropic", APIKey: "k", MainModel: "m", FastModel: "f", Temperature: 0.5},
			Cache:      CacheConfig{Backend: "memory", TTL: time.Hour},
			Tutor:      TutorConfig{BackgroundWorkers: 1, BackgroundQueue: 1},
			RateLimit:  RateLimitConfig{Enabled: true, PerMin: 1, Burst: 1},
			SSE:        SSEConfig{MaxBodyBytes: 1024},
			ConversationLog: ConversationLogConfig{
				Dir: "logs", GlobalPath: "logs/all.ndjson", QueueSize: 1,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing api key", mutate: func(c *Config) { c.LLM.APIKey = "" }, wantErr: "ANTHROPIC_API_KEY"},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "other" }, wantErr: "LLM_PROVIDER"},
		{name: "bad temperature", mutate: func(c *Config) { c.LLM.Temperature = 2 }, wantErr: "LLM_TEMPERATURE"},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "disk" }, wantErr: "TOPIC_CACHE_BACKEND"},
		{name: "redis without addr", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: "REDIS_ADDR"},
		{name: "empty content dir", mutate: func(c *Config) { c.ContentDir = "" }, wantErr: "CONTENT_DIR"},
		{name: "zero workers", mutate: func(c *Config) { c.Tutor.BackgroundWorkers = 0 }, wantErr: "BACKGROUND_WORKERS"},
		{name: "disabled rate limit ignores limits", mutate: func(c *Config) { c.RateLimit = RateLimitConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
