package drivers

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy defines how to retry failed operations
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	logger       *zap.Logger
}

// RetryOption configures retry behavior
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets maximum attempts, including the first. Values below
// one are treated as one.
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) {
		if n < 1 {
			n = 1
		}
		p.maxAttempts = n
	}
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.initialDelay = d
	}
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.maxDelay = d
	}
}

// WithJitter enables jitter to prevent thundering herd
func WithJitter(enabled bool) RetryOption {
	return func(p *RetryPolicy) {
		p.jitter = enabled
	}
}

// WithLogger adds logging to retry attempts
func WithLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewRetryPolicy creates a new retry policy. The default is a single
// attempt, i.e. no retry.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:  1,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Execute returns the wrapped
// error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute runs a function with retry logic
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		// Don't delay after the last attempt
		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)

		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if p.maxAttempts > 1 {
		p.logger.Warn("operation failed after all retries",
			zap.Error(lastErr),
			zap.Int("attempts", p.maxAttempts))
	}

	return lastErr
}

// calculateDelay computes the delay for the given attempt
func (p *RetryPolicy) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: delay = initial * (multiplier ^ attempt)
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))

	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	if p.jitter {
		// Jitter between 0.5x and 1.5x the delay
		jitter := 0.5 + rand.Float64()
		delay = delay * jitter
	}

	return time.Duration(delay)
}

// RetryableDriver wraps a driver with retry logic
type RetryableDriver struct {
	driver Driver
	policy *RetryPolicy
}

// NewRetryableDriver creates a driver with retry capability
func NewRetryableDriver(driver Driver, policy *RetryPolicy) *RetryableDriver {
	return &RetryableDriver{
		driver: driver,
		policy: policy,
	}
}

// Get with retry
func (r *RetryableDriver) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.Get(ctx, container, artifact)
		if errors.Is(err, ErrNotFound) {
			return Permanent(err)
		}
		return err
	})
	return result, err
}

// Put with retry. A retry can only replay the body if it is an io.Seeker;
// otherwise a single attempt is made.
func (r *RetryableDriver) Put(ctx context.Context, container, artifact string,
	data io.Reader, opts ...PutOption) error {
	seeker, ok := data.(io.Seeker)
	if !ok {
		return r.driver.Put(ctx, container, artifact, data, opts...)
	}
	return r.policy.Execute(ctx, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return Permanent(err)
		}
		return r.driver.Put(ctx, container, artifact, data, opts...)
	})
}

// Delete with retry (idempotent)
func (r *RetryableDriver) Delete(ctx context.Context, container, artifact string) error {
	return r.policy.Execute(ctx, func() error {
		return r.driver.Delete(ctx, container, artifact)
	})
}

// List with retry
func (r *RetryableDriver) List(ctx context.Context, container, prefix string) ([]string, error) {
	var result []string
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.List(ctx, container, prefix)
		return err
	})
	return result, err
}

// Exists with retry
func (r *RetryableDriver) Exists(ctx context.Context, container, artifact string) (bool, error) {
	var result bool
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.Exists(ctx, container, artifact)
		return err
	})
	return result, err
}

// HealthCheck is not retried; readiness should reflect the current state.
func (r *RetryableDriver) HealthCheck(ctx context.Context, container string) error {
	return r.driver.HealthCheck(ctx, container)
}
