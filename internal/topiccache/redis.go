package topiccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/tutorloop/internal/domain"
)

const redisKeyPrefix = "tutorloop:topic:"

// Redis is a Cache shared between replicas. Expiry is delegated to Redis, so
// no sweeper is needed. Failures degrade to misses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient builds a client for addr and verifies it with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func redisKey(topicID string) string {
	return redisKeyPrefix + topicID
}

// Get reads and decodes the stored bundle.
func (r *Redis) Get(ctx context.Context, topicID string) (*domain.TopicBundle, bool) {
	raw, err := r.client.Get(ctx, redisKey(topicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Topic cache read failed", "topic_id", topicID, "error", err)
		return nil, false
	}
	bundle, err := decodeBundle(raw)
	if err != nil {
		r.logger.Warn("Topic cache entry undecodable", "topic_id", topicID, "error", err)
		return nil, false
	}
	return bundle, true
}

// Put stores the bundle with the cache TTL.
func (r *Redis) Put(ctx context.Context, topicID string, bundle *domain.TopicBundle) {
	if bundle == nil {
		return
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		r.logger.Warn("Topic cache encode failed", "topic_id", topicID, "error", err)
		return
	}
	if err := r.client.Set(ctx, redisKey(topicID), raw, r.ttl).Err(); err != nil {
		r.logger.Warn("Topic cache write failed", "topic_id", topicID, "error", err)
	}
}

// Invalidate deletes the stored bundle.
func (r *Redis) Invalidate(ctx context.Context, topicID string) {
	if err := r.client.Del(ctx, redisKey(topicID)).Err(); err != nil {
		r.logger.Warn("Topic cache invalidate failed", "topic_id", topicID, "error", err)
	}
}

func decodeBundle(raw []byte) (*domain.TopicBundle, error) {
	var bundle domain.TopicBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode topic bundle: %w", err)
	}
	if bundle.Topic == nil {
		return nil, errors.New("decode topic bundle: missing topic")
	}
	return &bundle, nil
}
