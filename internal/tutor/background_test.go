package tutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

func TestPoolRunsSubmittedJobsBeforeClose(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Workers: 3, QueueSize: 32}, nil)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if !p.Submit(Job{Name: "count", TurnID: fmt.Sprint(i), Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ran.Load() != 20 {
		t.Fatalf("expected 20 jobs to run, got %d", ran.Load())
	}
	if p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}) {
		t.Fatal("closed pool must reject jobs")
	}
}

func TestPoolRetriesPersistenceFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{name: "persistence failure is retried", err: fmt.Errorf("write: %w", domain.ErrPersistenceFailure), wantCalls: 3},
		{name: "other errors are not", err: errors.New("boom"), wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewPool(PoolConfig{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond}, nil)
			var calls atomic.Int32
			p.Submit(Job{Name: "flaky", Run: func(context.Context) error {
				calls.Add(1)
				return tt.err
			}})
			_ = p.Close()
			if calls.Load() != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls.Load())
			}
		})
	}
}

func TestPoolRecoversFromPanics(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Workers: 1}, nil)
	var after atomic.Bool
	p.Submit(Job{Name: "panics", Run: func(context.Context) error { panic("bad job") }})
	p.Submit(Job{Name: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})
	_ = p.Close()
	if !after.Load() {
		t.Fatal("worker must survive a panicking job")
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	p.Submit(Job{Name: "block", Run: func(context.Context) error {
		started.Done()
		<-release
		return nil
	}})
	started.Wait()

	if !p.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }}) {
		t.Fatal("expected the queue to hold one job")
	}
	if p.Submit(Job{Name: "overflow", Run: func(context.Context) error { return nil }}) {
		t.Fatal("expected a full queue to reject the job")
	}
	if p.Pending() != 1 {
		t.Fatalf("expected 1 pending job, got %d", p.Pending())
	}
	close(release)
	_ = p.Close()
}

func TestPoolCloseCancelsJobsAfterDrainTimeout(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Workers: 1, JobTimeout: time.Minute, DrainTimeout: 20 * time.Millisecond}, nil)
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	p.Submit(Job{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	}})
	<-started

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("job context error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("running job was not cancelled after the drain timed out")
	}
}
