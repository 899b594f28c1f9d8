package tutor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/metrics"
)

// Job is post-stream work for one turn. Run must be safe to repeat: a job that
// fails with a persistence failure is retried.
type Job struct {
	Name   string
	TurnID string
	Run    func(ctx context.Context) error
}

// PoolConfig sizes the background pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// DrainTimeout bounds how long Close waits for queued jobs.
	DrainTimeout time.Duration
}

// DefaultPoolConfig returns the defaults used when fields are unset.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		QueueSize:    256,
		JobTimeout:   30 * time.Second,
		MaxAttempts:  3,
		RetryDelay:   200 * time.Millisecond,
		DrainTimeout: 10 * time.Second,
	}
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue. Jobs are
// detached from the request that submitted them, so a client disconnect does
// not cancel persistence that has already been handed over.
type Pool struct {
	cfg    PoolConfig
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts the workers.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	logger.Info("Background pool started", "workers", cfg.Workers, "queue_size", cfg.QueueSize)
	return p
}

// Submit queues a job without blocking. It returns false when the pool is
// closed or the queue is full; the job is then dropped and logged.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("Background pool closed, dropping job", "job", job.Name, "turn_id", job.TurnID)
		metrics.BackgroundJobs.WithLabelValues("dropped").Inc()
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Error("Background queue full, dropping job",
			"job", job.Name,
			"turn_id", job.TurnID,
			"queue_len", len(p.jobs),
		)
		metrics.BackgroundJobs.WithLabelValues("dropped").Inc()
		return false
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(worker int, job Job) {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err = p.runOnce(job)
		if err == nil || !errors.Is(err, domain.ErrPersistenceFailure) || attempt == p.cfg.MaxAttempts {
			break
		}

		delay := p.cfg.RetryDelay * time.Duration(1<<(attempt-1))
		p.logger.Warn("Background job failed, retrying",
			"job", job.Name,
			"turn_id", job.TurnID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			attempt = p.cfg.MaxAttempts
		}
	}

	duration := time.Since(start)
	if err != nil {
		p.logger.Error("Background job failed",
			"job", job.Name,
			"turn_id", job.TurnID,
			"worker", worker,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		metrics.BackgroundJobs.WithLabelValues("failed").Inc()
		return
	}
	if duration > 5*time.Second {
		p.logger.Warn("Slow background job", "job", job.Name, "turn_id", job.TurnID, "duration_ms", duration.Milliseconds())
	}
	metrics.BackgroundJobs.WithLabelValues("ok").Inc()
}

func (p *Pool) runOnce(job Job) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Background job panicked", "job", job.Name, "turn_id", job.TurnID, "panic", r)
			err = errors.New("background job panicked")
		}
	}()
	return job.Run(ctx)
}

// Close stops accepting jobs and waits up to DrainTimeout for queued and
// running jobs to finish. Once the drain times out, running jobs are cancelled
// and retry backoff is cut short.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	remaining := len(p.jobs)
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Background pool draining", "queue_remaining", remaining)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Background pool stopped gracefully")
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("Background pool drain timeout", "queue_remaining", len(p.jobs))
	}
	p.cancel()
	return nil
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}
