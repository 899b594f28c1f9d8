// Package api provides HTTP handlers for the tutoring API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/tutor"
)

// SessionStore is the persistence the handlers read and write directly.
type SessionStore interface {
	StartSession(ctx context.Context, learnerID, topicID string, first domain.Position) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string, recent int) (*domain.SessionSnapshot, error)
	EndSession(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// TopicSource loads and invalidates cached topics.
type TopicSource interface {
	Load(ctx context.Context, topicID string) (*domain.TopicBundle, error)
	Invalidate(ctx context.Context, topicID string)
}

// TurnRunner runs a tutoring turn.
type TurnRunner interface {
	StartTurn(ctx context.Context, sessionID, text string) iter.Seq[tutor.Event]
}

// Limiter throttles turns per learner.
type Limiter interface {
	Allow(key string) bool
}

// Config holds handler settings.
type Config struct {
	AdminToken         string
	MaxBodyBytes       int64
	KeepaliveInterval  time.Duration
	HealthCheckTimeout time.Duration
	AllowedOrigin      string
	IsDev              bool
}

// Handler serves the session, turn and admin endpoints.
type Handler struct {
	repo    SessionStore
	topics  TopicSource
	turns   TurnRunner
	limiter Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewHandler creates a Handler. limiter may be nil.
func NewHandler(repo SessionStore, topics TopicSource, turns TurnRunner, limiter Limiter, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 * 1024
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	return &Handler{repo: repo, topics: topics, turns: turns, limiter: limiter, cfg: cfg, logger: logger}
}

// RegisterRoutes registers all routes. Identity middleware must already be
// installed on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Post("/{id}/end", h.EndSession)
		r.Post("/{id}/turns", h.StreamTurn)
	})
	r.Post("/api/admin/topics/{id}/refresh", h.RefreshTopic)
	r.Get("/ws/sessions/{id}", h.ServeWebSocket)
}

// RegisterHealth registers the health check route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStructureInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
		Error(w, status, "internal error")
		return
	}
	JSON(w, status, map[string]string{"error": domain.ErrorCode(err)})
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}
