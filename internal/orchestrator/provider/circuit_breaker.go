package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"    // Normal operation
	CircuitStateOpen     CircuitState = "open"      // Backend failing, reject requests
	CircuitStateHalfOpen CircuitState = "half-open" // Probing if the backend recovered
)

// CircuitBreakerConfig contains configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     2 * time.Minute,
	}
}

// CircuitBreaker guards Create and Reboot against a failing backend. Only
// provider errors count as failures; validation, binding, bootstrap and
// connectivity failures say nothing about the backend's health.
// Delete, Status and Has pass through so cleanup always stays possible.
type CircuitBreaker struct {
	next             instance.Provider
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	nextStateChange time.Time
	// trialInFlight is set while the single half-open request runs.
	trialInFlight bool

	logger *logger.Logger
}

var _ instance.Provider = (*CircuitBreaker)(nil)

// NewCircuitBreaker wraps next with a circuit breaker.
func NewCircuitBreaker(next instance.Provider, config CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	return &CircuitBreaker{
		next:             next,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
		state:            CircuitStateClosed,
		logger:           log.WithComponent("provider.breaker"),
	}
}

// Create provisions through the wrapped provider unless the circuit is open.
func (cb *CircuitBreaker) Create(ctx context.Context, key instance.ResourceKey, opts instance.Options) (*instance.Information, error) {
	if !cb.allowRequest() {
		cb.logger.WarnContext(ctx, "circuit breaker is open, rejecting create", slog.String("resource_key", key.String()))
		return nil, errCircuitOpen()
	}
	info, err := cb.next.Create(ctx, key, opts)
	cb.record(err)
	return info, err
}

// Reboot restarts through the wrapped provider unless the circuit is open.
func (cb *CircuitBreaker) Reboot(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	if !cb.allowRequest() {
		cb.logger.WarnContext(ctx, "circuit breaker is open, rejecting reboot", slog.String("resource_key", key.String()))
		return "", errCircuitOpen()
	}
	outcome, err := cb.next.Reboot(ctx, key)
	cb.record(err)
	return outcome, err
}

// Delete is a pass-through.
func (cb *CircuitBreaker) Delete(ctx context.Context, key instance.ResourceKey) (instance.Outcome, error) {
	return cb.next.Delete(ctx, key)
}

// Status is a pass-through.
func (cb *CircuitBreaker) Status(ctx context.Context, key instance.ResourceKey) (string, bool, error) {
	return cb.next.Status(ctx, key)
}

// Has is a pass-through.
func (cb *CircuitBreaker) Has(ctx context.Context, key instance.ResourceKey) bool {
	return cb.next.Has(ctx, key)
}

func errCircuitOpen() error {
	return apperrors.NewProviderError("backend circuit breaker is open", true, nil)
}

func (cb *CircuitBreaker) record(err error) {
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, apperrors.ErrProvider):
		cb.onFailure()
	default:
		// The backend answered; the failure is elsewhere.
		cb.onSuccess()
	}
}

// allowRequest checks if a request should be allowed based on circuit state.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitStateClosed:
		return true
	case CircuitStateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	case CircuitStateOpen:
		if cb.now().After(cb.nextStateChange) {
			cb.logger.Info("circuit breaker entering half-open state")
			cb.state = CircuitStateHalfOpen
			cb.trialInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.trialInFlight = false
	if cb.state == CircuitStateHalfOpen {
		cb.logger.Info("circuit breaker closing after successful request")
		cb.state = CircuitStateClosed
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.trialInFlight = false

	if cb.state == CircuitStateHalfOpen {
		cb.logger.Warn("circuit breaker reopening after failed half-open request")
		cb.state = CircuitStateOpen
		cb.nextStateChange = cb.now().Add(cb.resetTimeout)
		return
	}

	if cb.failureCount >= cb.failureThreshold {
		cb.logger.Warn("circuit breaker opening due to excessive failures",
			slog.Int("failure_count", cb.failureCount),
			slog.Int("threshold", cb.failureThreshold),
			slog.Duration("reset_timeout", cb.resetTimeout))
		cb.state = CircuitStateOpen
		cb.nextStateChange = cb.now().Add(cb.resetTimeout)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns circuit breaker counters for health reporting.
func (cb *CircuitBreaker) Metrics() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"state":             cb.state,
		"failure_count":     cb.failureCount,
		"last_failure_time": cb.lastFailureTime,
	}
}
