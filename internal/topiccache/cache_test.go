package topiccache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleBundle() *domain.TopicBundle {
	return &domain.TopicBundle{
		Topic: &domain.Topic{
			ID:         "fractions",
			Title:      "Fracciones",
			Objectives: []string{"Sumar fracciones"},
			Moments: []domain.Moment{{
				ID: "m1",
				Activities: []domain.Activity{{
					ID:       "a1",
					Teaching: domain.Teaching{Instructions: "Explica", TargetWords: 120},
					Verification: domain.Verification{
						Question:        "¿Qué es un denominador?",
						SuccessCriteria: domain.SuccessCriteria{RequiredFacts: []string{"parte inferior"}, MinCompleteness: 70},
					},
				}},
			}},
		},
		Instructor: domain.Instructor{Name: "Ana", Specialty: "matemáticas"},
		Images:     []domain.Image{{ID: "img1", URL: "https://example.test/pizza.png"}},
	}
}

func TestMemoryRoundTripWithinTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithClock(clock.Now), WithTTL(time.Hour))
	ctx := context.Background()

	in := sampleBundle()
	want, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	c.Put(ctx, "fractions", in)
	clock.Advance(59 * time.Minute)

	out, ok := c.Get(ctx, "fractions")
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	got, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("round trip changed the bundle:\n got %s\nwant %s", got, want)
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "fractions"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestMemoryInvalidate(t *testing.T) {
	t.Parallel()

	c := NewMemory()
	ctx := context.Background()
	c.Put(ctx, "t", sampleBundle())
	c.Invalidate(ctx, "t")
	if _, ok := c.Get(ctx, "t"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestMemorySweepEvictsExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewMemory(WithClock(clock.Now), WithTTL(10*time.Minute))
	ctx := context.Background()

	c.Put(ctx, "old", sampleBundle())
	clock.Advance(8 * time.Minute)
	c.Put(ctx, "new", sampleBundle())
	clock.Advance(5 * time.Minute)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
	if _, ok := c.Get(ctx, "new"); !ok {
		t.Fatal("expected fresh entry to survive the sweep")
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put(ctx, "t", sampleBundle())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if b, ok := c.Get(ctx, "t"); ok && b.Topic.ID != "fractions" {
					t.Errorf("corrupted read: %+v", b.Topic)
				}
			}
		}()
	}
	wg.Wait()
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewMemory(WithClock(clock.Now), WithTTL(time.Millisecond))
	c.Put(context.Background(), "t", sampleBundle())
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	StartSweeper(ctx, c, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if c.Len() != 0 {
		t.Fatal("expected sweeper to evict the expired entry")
	}
}

func TestDecodeBundleRejectsMissingTopic(t *testing.T) {
	t.Parallel()

	if _, err := decodeBundle([]byte(`{"instructor":{"name":"x"}}`)); err == nil {
		t.Fatal("expected error for bundle without topic")
	}
	b, err := decodeBundle([]byte(`{"topic":{"id":"t","title":"T"}}`))
	if err != nil || b.Topic.ID != "t" {
		t.Fatalf("unexpected decode: %+v %v", b, err)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	c := NewRedis(client, time.Minute, nil)
	c.Put(ctx, "roundtrip", sampleBundle())
	defer c.Invalidate(ctx, "roundtrip")

	got, ok := c.Get(ctx, "roundtrip")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Topic.ID != "fractions" || got.Instructor.Name != "Ana" {
		t.Fatalf("unexpected bundle: %+v", got)
	}
}
