package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponentially growing delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // 0-1, fraction of the delay to randomize
}

// DefaultBackoff returns 100ms doubling up to 30s with 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Delay returns the wait before the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))

	if b.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.Jitter
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
	ShouldRetry func(error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

// Retryer runs an operation until it succeeds or attempts run out.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = DefaultBackoff()
	}
	return &Retryer{config: config}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts   int
	LastError  error
	TotalDelay time.Duration
	Success    bool
}

// Err returns nil on success and the last error otherwise.
func (r RetryResult) Err() error {
	if r.Success {
		return nil
	}
	return r.LastError
}

// Execute runs fn with retries. Cancellation of ctx stops waiting between attempts.
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) RetryResult {
	var result RetryResult

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			return result
		}

		err := fn(ctx)
		if err == nil {
			result.Success = true
			return result
		}
		result.LastError = err

		if r.config.ShouldRetry != nil && !r.config.ShouldRetry(err) {
			return result
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.config.Backoff.Delay(attempt)
		result.TotalDelay += delay
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = errors.Join(err, ctx.Err())
			return result
		case <-timer.C:
		}
	}
	return result
}
