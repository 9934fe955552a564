package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// RetryConfig holds retry configuration for API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout (default: 90s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	// Concurrency limit
	MaxConcurrentCalls int // Maximum concurrent API calls (default: 2, 0 = unlimited)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               90 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    2,
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker blocks API calls after repeated failures so a dead or
// rate-limited endpoint does not burn the whole step budget on retries.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		lastStateChange:  time.Now(),
	}
}

// Allow checks if a request should be allowed through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open and hasn't timed out yet.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transitionToHalfOpen()
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		// Allow one request through to probe
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount = 0
		}

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionToClosed()
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionToOpen()
		}

	case CircuitHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.transitionToOpen()
	}
}

// GetState returns the current state (for testing/monitoring)
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics (for monitoring/logging)
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transitionToClosed moves the circuit to closed state (must be called with lock held)
func (cb *CircuitBreaker) transitionToClosed() {
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Circuit breaker state transition: %s -> %s (failures reset)\n", oldState, cb.state)
}

// transitionToOpen moves the circuit to open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToOpen() {
	oldState := cb.state
	cb.state = CircuitOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Circuit breaker state transition: %s -> %s (failures=%d, will reopen in %v)\n",
		oldState, cb.state, cb.failureCount, cb.openTimeout)
}

// transitionToHalfOpen moves the circuit to half-open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToHalfOpen() {
	oldState := cb.state
	cb.state = CircuitHalfOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Circuit breaker state transition: %s -> %s (probing for recovery)\n", oldState, cb.state)
}

// retryWithBackoff executes an operation with retry and exponential backoff
func (c *Client) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	// Acquire concurrency slot if limiter is enabled
	if c.concurrencySem != nil {
		if err := c.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer c.concurrencySem.Release(1)
	}

	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		// Check circuit breaker before attempting request
		if c.circuitBreaker != nil {
			if err := c.circuitBreaker.Allow(); err != nil {
				state, failures, _ := c.circuitBreaker.GetMetrics()
				fmt.Fprintf(os.Stderr, "API %s blocked by circuit breaker (state=%s, failures=%d)\n",
					operation, state, failures)
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordSuccess()
			}
			if attempt > 0 {
				fmt.Printf("API %s succeeded after %d retries\n", operation, attempt)
			}
			return nil
		}

		lastErr = err

		// Non-retriable errors (like auth failures) shouldn't count against
		// the circuit breaker.
		if c.circuitBreaker != nil && isRetriableError(err) {
			c.circuitBreaker.RecordFailure()
		}

		if !isRetriableError(err) {
			fmt.Fprintf(os.Stderr, "API %s failed with non-retriable error: %v\n", operation, err)
			return err
		}

		if attempt == c.retry.MaxRetries {
			break
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		fmt.Printf("API %s failed (attempt %d/%d), retrying in %v: %v\n",
			operation, attempt+1, c.retry.MaxRetries+1, backoff, err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.retry.MaxRetries+1, lastErr)
}

// isRetriableError determines if an error is transient.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	// Rate limits (429) are retriable
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	// Server errors (5xx) are retriable
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	// Network/connection errors are retriable
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// 4xx client errors (except rate limits) indicate bad requests that
	// won't succeed on retry.
	if strings.Contains(errStr, "400") || strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "404") {
		return false
	}

	return false
}
