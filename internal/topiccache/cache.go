// Package topiccache keeps parsed topic contexts close to the turn loop.
//
// The cache is non-authoritative: a miss means the caller loads the topic from
// the content store and puts it back. The cache itself never fetches.
package topiccache

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

// DefaultTTL is how long an entry stays readable after insertion.
const DefaultTTL = time.Hour

// DefaultSweepInterval is how often expired entries are evicted.
const DefaultSweepInterval = 5 * time.Minute

// Cache stores topic bundles keyed by topic id. Bundles are treated as
// immutable once stored and are replaced wholesale.
type Cache interface {
	Get(ctx context.Context, topicID string) (*domain.TopicBundle, bool)
	Put(ctx context.Context, topicID string, bundle *domain.TopicBundle)
	Invalidate(ctx context.Context, topicID string)
}

type entry struct {
	bundle     *domain.TopicBundle
	insertedAt time.Time
}

// Memory is an in-process Cache guarded by a RWMutex.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewMemory creates an empty in-process cache.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the bundle if it was inserted within the TTL window.
func (m *Memory) Get(_ context.Context, topicID string) (*domain.TopicBundle, bool) {
	m.mu.RLock()
	e, ok := m.entries[topicID]
	m.mu.RUnlock()
	if !ok || m.expired(e) {
		return nil, false
	}
	return e.bundle, true
}

// Put stores bundle, replacing any previous entry for the topic.
func (m *Memory) Put(_ context.Context, topicID string, bundle *domain.TopicBundle) {
	if bundle == nil {
		return
	}
	m.mu.Lock()
	m.entries[topicID] = entry{bundle: bundle, insertedAt: m.now()}
	m.mu.Unlock()
}

// Invalidate drops the entry for a topic.
func (m *Memory) Invalidate(_ context.Context, topicID string) {
	m.mu.Lock()
	delete(m.entries, topicID)
	m.mu.Unlock()
}

// Sweep evicts every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) expired(e entry) bool {
	return m.now().Sub(e.insertedAt) > m.ttl
}
