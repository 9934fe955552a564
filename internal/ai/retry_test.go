package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 100*time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 50*time.Millisecond)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.GetState())

	// After the open timeout the next Allow probes in half-open.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, 50*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestRetryWithBackoffRetriesTransientErrors(t *testing.T) {
	c := &Client{retry: RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}}

	attempts := 0
	err := c.retryWithBackoff(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffStopsOnNonRetriable(t *testing.T) {
	c := &Client{retry: RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}}

	attempts := 0
	err := c.retryWithBackoff(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		return errors.New("401 unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "auth errors should not be retried")
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	c := &Client{retry: RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}}

	attempts := 0
	err := c.retryWithBackoff(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffCircuitOpenFailsFast(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Minute)
	cb.RecordFailure()

	c := &Client{
		retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Timeout:           time.Second,
		},
		circuitBreaker: cb,
	}

	attempts := 0
	err := c.retryWithBackoff(context.Background(), "test-op", func(ctx context.Context) error {
		attempts++
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, attempts, "open circuit must block the call entirely")
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"server error", errors.New("internal server error"), true},
		{"bad gateway", errors.New("502 bad gateway"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"bad request", errors.New("400 bad request"), false},
		{"unauthorized", errors.New("401 unauthorized"), false},
		{"unknown", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableError(tt.err))
		})
	}
}
