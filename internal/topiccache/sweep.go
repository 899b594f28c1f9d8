package topiccache

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs a background goroutine that periodically evicts expired
// entries until ctx is cancelled.
func StartSweeper(ctx context.Context, m *Memory, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Topic cache sweeper started", "interval", interval, "ttl", m.ttl)

		for {
			select {
			case <-ticker.C:
				if removed := m.Sweep(); removed > 0 {
					slog.Debug("Topic cache sweep evicted entries", "count", removed, "remaining", m.Len())
				}
			case <-ctx.Done():
				slog.Info("Topic cache sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
