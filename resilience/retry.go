package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/altis0725/OKAMI/core"
)

// PermanentError marks an error the retry loop must surface immediately,
// without consuming further attempts. Completer auth/quota failures and
// other CompleterFatal conditions are wrapped with Permanent at the call
// site.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry stops on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
	JitterFactor  float64 // fraction of delay to jitter by, e.g. 0.2 for ±20%
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		JitterFactor:  0.1,
	}
}

// CompleterRetryConfig returns the backoff policy for CompleterTransient and
// tool-call transport errors: base 0.2s, factor 2,
// up to 5 tries, jitter ±20%.
func CompleterRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   core.DefaultCompleterMaxRetries,
		InitialDelay:  core.DefaultCompleterBackoffBase,
		MaxDelay:      10 * time.Second,
		BackoffFactor: core.DefaultCompleterBackoffFactor,
		JitterEnabled: true,
		JitterFactor:  core.DefaultCompleterBackoffJitter,
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	
	var lastErr error
	delay := config.InitialDelay
	
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		
		// Try the function
		if err := fn(); err == nil {
			return nil
		} else {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return perm.Err
			}
			lastErr = err
		}
		
		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}
		
		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		
		// Add jitter if enabled to prevent synchronized retries
		// across multiple clients (thundering herd mitigation)
		if config.JitterEnabled {
			factor := config.JitterFactor
			if factor == 0 {
				factor = 0.1
			}
			jitter := time.Duration((rand.Float64()*2 - 1) * factor * float64(delay))
			delay += jitter
		}
		
		// Sleep with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	
	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}