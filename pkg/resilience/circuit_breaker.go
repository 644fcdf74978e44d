package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrTooManyRequests = errors.New("circuit breaker half-open call in flight")
)

// CircuitBreaker guards calls to a single agent.
//
// CLOSED opens after FailureThreshold consecutive failures. OPEN becomes HALF_OPEN
// on the first admission check after RecoveryTimeout. HALF_OPEN closes on the first
// success and reopens on any failure.
type CircuitBreaker struct {
	name            string
	state           models.CircuitState
	failureCount    int
	successCount    int
	totalFailures   int64
	totalSuccesses  int64
	lastFailure     time.Time
	lastStateChange time.Time
	halfOpenCalls   int

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	onStateChange    func(name string, from, to models.CircuitState)
	now              func() time.Time

	mu sync.Mutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	OnStateChange    func(name string, from, to models.CircuitState)
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the platform defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		name:             name,
		state:            models.CircuitClosed,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		onStateChange:    config.OnStateChange,
		now:              config.Now,
		lastStateChange:  config.Now(),
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
		cb.RecordCancelled()
	default:
		cb.RecordFailure()
	}
	return err
}

// ShouldAllowRequest reports whether a call may proceed.
func (cb *CircuitBreaker) ShouldAllowRequest() bool {
	return cb.Allow() == nil
}

// Allow is ShouldAllowRequest with the reason for a denial.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from, to models.CircuitState
	var err error

	switch cb.state {
	case models.CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.recoveryTimeout {
			err = ErrCircuitOpen
			break
		}
		from, to = cb.transitionTo(models.CircuitHalfOpen)
		cb.halfOpenCalls = 1
	case models.CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			err = ErrTooManyRequests
			break
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.totalFailures++
	cb.lastFailure = cb.now()

	var from, to models.CircuitState
	switch cb.state {
	case models.CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			from, to = cb.transitionTo(models.CircuitOpen)
		}
	case models.CircuitHalfOpen:
		from, to = cb.transitionTo(models.CircuitOpen)
	}
	cb.mu.Unlock()

	cb.notify(from, to)
}

// RecordCancelled gives back an admitted call that the caller abandoned
// before the dependency answered. It counts as neither success nor failure.
func (cb *CircuitBreaker) RecordCancelled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == models.CircuitHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.successCount++
	cb.totalSuccesses++

	var from, to models.CircuitState
	switch cb.state {
	case models.CircuitClosed:
		cb.failureCount = 0
	case models.CircuitHalfOpen:
		from, to = cb.transitionTo(models.CircuitClosed)
	}
	cb.mu.Unlock()

	cb.notify(from, to)
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState models.CircuitState) (from, to models.CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case models.CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case models.CircuitOpen:
		cb.successCount = 0
	case models.CircuitHalfOpen:
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}
	return oldState, newState
}

func (cb *CircuitBreaker) notify(from, to models.CircuitState) {
	if to == "" || from == to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, from, to)
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the guarded agent id
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to := cb.transitionTo(models.CircuitClosed)
	cb.mu.Unlock()
	cb.notify(from, to)
}

// ForceOpen opens the breaker and restarts the recovery timeout.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	from, to := cb.transitionTo(models.CircuitOpen)
	cb.mu.Unlock()
	cb.notify(from, to)
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	Name                string              `json:"name"`
	State               models.CircuitState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	TotalFailures       int64               `json:"total_failures"`
	TotalSuccesses      int64               `json:"total_successes"`
	LastFailure         time.Time           `json:"last_failure"`
	LastStateChange     time.Time           `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failureCount,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		LastFailure:         cb.lastFailure,
		LastStateChange:     cb.lastStateChange,
	}
}

// StateValue maps a state to the gauge value exported for it.
func StateValue(s models.CircuitState) float64 {
	switch s {
	case models.CircuitHalfOpen:
		return 1
	case models.CircuitOpen:
		return 2
	default:
		return 0
	}
}
