package tutor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

type fakeIdleStore struct {
	mu      sync.Mutex
	idle    []domain.Session
	listErr error
	failEnd map[string]bool
	ended   []string
}

func (f *fakeIdleStore) ListIdleSessions(context.Context, time.Duration) ([]domain.Session, error) {
	return f.idle, f.listErr
}

func (f *fakeIdleStore) EndSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnd[id] {
		return errors.New("database is locked")
	}
	f.ended = append(f.ended, id)
	return nil
}

func TestReapIdleSessions(t *testing.T) {
	t.Parallel()

	repo := &fakeIdleStore{
		idle:    []domain.Session{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}},
		failEnd: map[string]bool{"s2": true},
	}
	var notified []string
	n := ReapIdleSessions(context.Background(), repo, time.Hour, func(sess domain.Session) {
		notified = append(notified, sess.ID)
	}, nil)

	if n != 2 {
		t.Errorf("ended = %d, want 2", n)
	}
	if len(notified) != 2 || notified[0] != "s1" || notified[1] != "s3" {
		t.Errorf("callback saw %v, want [s1 s3]", notified)
	}
}

func TestReapIdleSessionsListError(t *testing.T) {
	t.Parallel()

	repo := &fakeIdleStore{listErr: errors.New("boom")}
	if n := ReapIdleSessions(context.Background(), repo, time.Hour, nil, nil); n != 0 {
		t.Errorf("ended = %d, want 0", n)
	}
}

func TestStartIdleReaperRunsUntilCancelled(t *testing.T) {
	t.Parallel()

	repo := &fakeIdleStore{idle: []domain.Session{{ID: "s1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	StartIdleReaper(ctx, repo, time.Hour, 10*time.Millisecond, nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		repo.mu.Lock()
		n := len(repo.ended)
		repo.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reaper never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
