package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Sleep: noSleep(&delays)}

	calls := 0
	err := Retry(context.Background(), p, "upload", func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRetry_Exhausted(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, Sleep: noSleep(&delays)}

	var observed []int
	err := Retry(context.Background(), p, "upload", func(context.Context, int) error {
		return errors.New("boom")
	}, func(attempt int, err error) {
		observed = append(observed, attempt)
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []int{1, 2, 3}, observed)
	assert.Len(t, delays, 2)
}

func TestRetry_PermanentStops(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{MaxAttempts: 5, Sleep: noSleep(&delays)}

	calls := 0
	err := Retry(context.Background(), p, "upload", func(context.Context, int) error {
		calls++
		return Permanent(errors.New("artifact missing"))
	}, nil)

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryPolicy{MaxAttempts: 3}, "upload", func(context.Context, int) error {
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var states []float64
	b := NewCircuitBreaker("minio", 2, 10*time.Second, func(_ string, s float64) { states = append(states, s) })
	now := time.Now()
	b.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("timeout") }
	ok := func(context.Context) error { return nil }

	assert.Error(t, b.Execute(context.Background(), "put", fail))
	assert.Equal(t, CircuitBreakerClosed, b.State())
	assert.Error(t, b.Execute(context.Background(), "put", fail))
	assert.Equal(t, CircuitBreakerOpen, b.State())

	assert.ErrorIs(t, b.Execute(context.Background(), "put", ok), ErrCircuitOpen)

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Execute(context.Background(), "put", ok))
	assert.Equal(t, CircuitBreakerClosed, b.State())
	assert.Contains(t, states, float64(2))
	assert.Contains(t, states, float64(1))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", ClassifyError(nil))
	assert.Equal(t, "circuit_breaker", ClassifyError(ErrCircuitOpen))
	assert.Equal(t, "network", ClassifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "unknown", ClassifyError(errors.New("weird")))
}
