package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
)

// RetryPolicy is a bounded exponential backoff policy
type RetryPolicy struct {
	MaxAttempts  int           // Total attempts including the first one
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Upper bound for a single delay
	Multiplier   float64       // Growth factor between delays (typically 2.0)

	// Sleep waits between attempts; nil uses a context-aware timer.
	// Tests replace it to run without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the upload policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxDelay > 0 && time.Duration(delay) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// permanentError stops a retry loop immediately
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}

// ExhaustedError is returned once every attempt has failed
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs fn until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts is reached. onAttempt, when set, observes every attempt.
func Retry(ctx context.Context, policy RetryPolicy, operation string, fn func(ctx context.Context, attempt int) error, onAttempt func(attempt int, err error)) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(ctx, attempt)
		if onAttempt != nil {
			onAttempt(attempt, err)
		}
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		logger.Warn("Operation failed, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled during wait: %w", err)
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
