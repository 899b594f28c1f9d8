package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig holds retry configuration for completion calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns retry defaults for completion calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffMultiplier
	}
	if c.MaxBackoff > 0 && time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Retrying retries transient Complete failures. Streams pass through untouched:
// a half-delivered stream cannot be replayed.
type Retrying struct {
	Client
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry wraps a client with retry on transient completion errors.
func WithRetry(c Client, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Retrying{Client: c, cfg: cfg, logger: logger}
}

// Complete calls the wrapped client until it succeeds, fails fatally, or the
// attempt budget or ctx runs out.
func (r *Retrying) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		resp, err := r.Client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.cfg.backoff(attempt)
		r.logger.Debug("Completion failed, retrying",
			"model", req.Model,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, unavailable(ctx.Err(), false)
		case <-timer.C:
		}
	}
	return nil, lastErr
}
