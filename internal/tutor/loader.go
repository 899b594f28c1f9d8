package tutor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/tutorloop/internal/content"
	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/metrics"
	"github.com/ashureev/tutorloop/internal/topiccache"
)

// TopicLoader reads topics through the cache. On a miss it loads from the
// content store and repopulates the cache; concurrent misses for the same
// topic share one load.
type TopicLoader struct {
	cache  topiccache.Cache
	store  content.Store
	group  singleflight.Group
	logger *slog.Logger
}

// NewTopicLoader creates a loader.
func NewTopicLoader(cache topiccache.Cache, store content.Store, logger *slog.Logger) *TopicLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicLoader{cache: cache, store: store, logger: logger}
}

// Load returns the topic bundle for topicID.
func (l *TopicLoader) Load(ctx context.Context, topicID string) (*domain.TopicBundle, error) {
	if b, ok := l.cache.Get(ctx, topicID); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	v, err, shared := l.group.Do(topicID, func() (any, error) {
		if b, ok := l.cache.Get(ctx, topicID); ok {
			return b, nil
		}
		b, err := l.store.GetTopic(ctx, topicID)
		if err != nil {
			return nil, err
		}
		l.cache.Put(ctx, topicID, b)
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load topic %s: %w", topicID, err)
	}
	l.logger.Debug("Topic loaded from content store", "topic_id", topicID, "shared", shared)
	return v.(*domain.TopicBundle), nil
}

// Invalidate drops the cached copy so the next Load reads the content store.
func (l *TopicLoader) Invalidate(ctx context.Context, topicID string) {
	l.cache.Invalidate(ctx, topicID)
	l.logger.Info("Topic cache invalidated", "topic_id", topicID)
}
