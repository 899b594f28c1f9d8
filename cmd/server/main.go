// Tutorloop - conversational tutoring server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/tutorloop/internal/api"
	"github.com/ashureev/tutorloop/internal/config"
	"github.com/ashureev/tutorloop/internal/content"
	"github.com/ashureev/tutorloop/internal/convlog"
	"github.com/ashureev/tutorloop/internal/identity"
	"github.com/ashureev/tutorloop/internal/intent"
	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/metrics"
	"github.com/ashureev/tutorloop/internal/middleware"
	"github.com/ashureev/tutorloop/internal/moderation"
	"github.com/ashureev/tutorloop/internal/progress"
	"github.com/ashureev/tutorloop/internal/prompt"
	"github.com/ashureev/tutorloop/internal/store"
	"github.com/ashureev/tutorloop/internal/telemetry"
	"github.com/ashureev/tutorloop/internal/topiccache"
	"github.com/ashureev/tutorloop/internal/tutor"
	"github.com/ashureev/tutorloop/internal/verification"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register(nil)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "tutorloop",
		Environment: cfg.Tracing.Environment,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, store.RetryPolicy{
		MaxRetries: cfg.Retry.DBMaxRetries,
		BaseDelay:  cfg.Retry.DBBaseDelay,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	cache, err := newTopicCache(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize topic cache", "error", err)
		os.Exit(1)
	}
	topics := tutor.NewTopicLoader(cache, content.NewFileStore(cfg.ContentDir), logger)

	watcher, err := content.NewWatcher(cfg.ContentDir, 500*time.Millisecond, func(topicID string) {
		topics.Invalidate(context.Background(), topicID)
	}, logger)
	if err != nil {
		slog.Warn("Content watcher disabled", "dir", cfg.ContentDir, "error", err)
	} else {
		watcher.Start(ctx)
		defer func() {
			if stopErr := watcher.Stop(); stopErr != nil {
				slog.Warn("Failed to stop content watcher", "error", stopErr)
			}
		}()
	}

	client, closeClient, err := newLLMClient(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}
	defer closeClient()
	slog.Info("Model provider ready", "provider", cfg.LLM.Provider, "main_model", cfg.LLM.MainModel, "fast_model", cfg.LLM.FastModel)

	transcript, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	pool := tutor.NewPool(tutor.PoolConfig{
		Workers:     cfg.Tutor.BackgroundWorkers,
		QueueSize:   cfg.Tutor.BackgroundQueue,
		JobTimeout:  cfg.Tutor.BackgroundTimeout,
		MaxAttempts: cfg.Retry.DBMaxRetries,
	}, logger)

	engine := tutor.NewEngine(tutor.Deps{
		Store:  repo,
		Topics: topics,
		Moderator: moderation.NewGate(client, moderation.Config{
			Model:   cfg.LLM.FastModel,
			Timeout: cfg.Classifiers.ModerationTimeout,
		}, logger),
		Classifier: intent.NewClassifier(client, intent.Config{
			Model:   cfg.LLM.FastModel,
			Timeout: cfg.Classifiers.IntentTimeout,
		}, logger),
		Grader: verification.NewEvaluator(client, verification.Config{
			Model:   cfg.LLM.FastModel,
			Timeout: cfg.Classifiers.VerificationTimeout,
		}, logger),
		Assembler: prompt.NewAssembler(prompt.Config{
			HistoryExchanges:   cfg.Tutor.HistoryExchanges,
			HistoryTokenBudget: cfg.Tutor.HistoryTokenBudget,
		}),
		Streamer:   tutor.NewStreamer(client, cfg.LLM.MainModel, cfg.LLM.Temperature, logger),
		Tracker:    progress.NewTracker(repo, logger),
		Pool:       pool,
		Transcript: transcript,
		Logger:     logger,
	}, tutor.Config{HistoryMessages: cfg.Tutor.HistoryMessages})

	tutor.StartIdleReaper(ctx, repo, cfg.Tutor.SessionIdleTTL, tutor.DefaultReapInterval, nil, logger)

	var limiter *middleware.RateLimiter
	var turnLimiter api.Limiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.PerMin, cfg.RateLimit.Burst)
		limiter.StartCleanup(ctx)
		turnLimiter = limiter
	}

	handler := api.NewHandler(repo, topics, engine, turnLimiter, api.Config{
		AdminToken:        cfg.AdminToken,
		MaxBodyBytes:      cfg.SSE.MaxBodyBytes,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		AllowedOrigin:     cfg.FrontendURL,
		IsDev:             cfg.IsDevelopment(),
	}, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	handler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Learner routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Queued persistence finishes before the store closes.
	pool.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newTopicCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (topiccache.Cache, error) {
	if cfg.Cache.Backend == "redis" {
		rdb, err := topiccache.NewRedisClient(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Topic cache backed by redis", "addr", cfg.Cache.RedisAddr, "ttl", cfg.Cache.TTL)
		return topiccache.NewRedis(rdb, cfg.Cache.TTL, logger), nil
	}

	mem := topiccache.NewMemory(topiccache.WithTTL(cfg.Cache.TTL))
	topiccache.StartSweeper(ctx, mem, cfg.Cache.SweepInterval)
	return mem, nil
}

func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, func(), error) {
	retry := llm.DefaultRetryConfig()
	if cfg.LLM.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.MaxAttempts
	}

	if cfg.LLM.Provider == "sidecar" {
		sc := llm.DefaultSidecarConfig()
		sc.Address = cfg.LLM.SidecarAddr
		sc.RequestTimeout = cfg.LLM.RequestTimeout
		client, err := llm.NewSidecarClient(sc, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Warn("Failed to close model sidecar connection", "error", err)
			}
		}
		return llm.WithRetry(client, retry, logger), closeFn, nil
	}

	client := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.RequestTimeout,
	}, logger)
	return llm.WithRetry(client, retry, logger), func() {}, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
