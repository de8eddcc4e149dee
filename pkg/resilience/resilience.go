package resilience

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = stderrors.New("circuit breaker open")

// StateObserver receives breaker state changes, e.g. to export a gauge
type StateObserver func(name string, state float64)

// CircuitBreaker guards a flaky dependency. It opens after FailureThreshold
// consecutive failures and lets a trial request through once Cooldown has elapsed.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
	observe          StateObserver

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, failureThreshold int, cooldown time.Duration, observe StateObserver) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
		observe:          observe,
		state:            CircuitBreakerClosed,
	}
}

// Execute runs fn once if the breaker allows it and records the outcome.
// Retrying is left to the caller.
func (b *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !b.allow() {
		logger.Error("Circuit breaker is OPEN - request blocked",
			zap.String("breaker", b.name),
			zap.String("operation", operation))
		return ErrCircuitOpen
	}

	err := fn(ctx)
	b.record(operation, err)
	return err
}

// State returns the current circuit breaker state
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.setState(CircuitBreakerHalfOpen)
	logger.Warn("Circuit breaker HALF-OPEN - allowing trial request", zap.String("breaker", b.name))
	return true
}

func (b *CircuitBreaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", b.name),
				zap.String("operation", operation))
		}
		b.consecutiveFailures = 0
		b.setState(CircuitBreakerClosed)
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.failureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.String("error_type", ClassifyError(err)))
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

func (b *CircuitBreaker) setState(state CircuitBreakerState) {
	b.state = state
	if b.observe == nil {
		return
	}
	switch state {
	case CircuitBreakerClosed:
		b.observe(b.name, 0)
	case CircuitBreakerHalfOpen:
		b.observe(b.name, 1)
	case CircuitBreakerOpen:
		b.observe(b.name, 2)
	}
}

// ClassifyError classifies errors for logs and metrics
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if stderrors.Is(err, ErrCircuitOpen) {
		return "circuit_breaker"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "bucket not found") || strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
