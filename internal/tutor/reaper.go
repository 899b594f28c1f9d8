package tutor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

// DefaultReapInterval is how often idle sessions are swept.
const DefaultReapInterval = 5 * time.Minute

// IdleSessionStore is the persistence the reaper needs.
type IdleSessionStore interface {
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]domain.Session, error)
	EndSession(ctx context.Context, sessionID string) error
}

// EndedCallback is called for each session the reaper ends.
type EndedCallback func(sess domain.Session)

// StartIdleReaper runs a background goroutine that periodically ends sessions
// idle for longer than ttl. A non-positive ttl disables it.
func StartIdleReaper(ctx context.Context, repo IdleSessionStore, ttl, interval time.Duration, onEnded EndedCallback, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Idle session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				ReapIdleSessions(ctx, repo, ttl, onEnded, logger)
			case <-ctx.Done():
				logger.Info("Idle session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReapIdleSessions ends every session idle for longer than ttl and returns how
// many were ended.
func ReapIdleSessions(ctx context.Context, repo IdleSessionStore, ttl time.Duration, onEnded EndedCallback, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	idle, err := repo.ListIdleSessions(ctx, ttl)
	if err != nil {
		logger.Error("Idle session reaper failed to list sessions", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	ended := 0
	for _, sess := range idle {
		if err := repo.EndSession(ctx, sess.ID); err != nil {
			logger.Warn("Idle session reaper failed to end session",
				"error", err,
				"session_id", sess.ID,
				"learner_id", sess.LearnerID)
			continue
		}
		ended++
		if onEnded != nil {
			onEnded(sess)
		}
	}

	logger.Info("Idle session sweep completed", "found", len(idle), "ended", ended)
	return ended
}
