package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentmesh/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testBreaker(threshold int, clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("agent-1", CircuitBreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  10 * time.Second,
		Now:              clock.Now,
	})
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(3, clock)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, models.CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, models.CircuitOpen, cb.State())
	assert.False(t, cb.ShouldAllowRequest())

	clock.Advance(10 * time.Second)
	assert.True(t, cb.ShouldAllowRequest())
	assert.Equal(t, models.CircuitHalfOpen, cb.State())
	assert.False(t, cb.ShouldAllowRequest(), "only one call while half-open")

	cb.RecordSuccess()
	assert.Equal(t, models.CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().ConsecutiveFailures)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(1, clock)

	cb.RecordFailure()
	clock.Advance(11 * time.Second)
	require.True(t, cb.ShouldAllowRequest())
	cb.RecordFailure()
	assert.Equal(t, models.CircuitOpen, cb.State())

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerCancelledCallFreesHalfOpenSlot(t *testing.T) {
	clock := newFakeClock()
	cb := testBreaker(1, clock)

	cb.RecordFailure()
	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	cb.RecordCancelled()
	assert.Equal(t, models.CircuitHalfOpen, cb.State())
	assert.Equal(t, int64(1), cb.Stats().TotalFailures)
	require.NoError(t, cb.Allow())
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := testBreaker(3, newFakeClock())
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, models.CircuitClosed, cb.State())
}

func TestCircuitBreakerForceOpenAndReset(t *testing.T) {
	var transitions []models.CircuitState
	cb := NewCircuitBreaker("a", CircuitBreakerConfig{
		OnStateChange: func(_ string, _, to models.CircuitState) { transitions = append(transitions, to) },
	})

	cb.ForceOpen()
	assert.Equal(t, models.CircuitOpen, cb.State())
	cb.Reset()
	assert.Equal(t, models.CircuitClosed, cb.State())
	assert.Equal(t, []models.CircuitState{models.CircuitOpen, models.CircuitClosed}, transitions)
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := testBreaker(1, newFakeClock())
	boom := errors.New("boom")

	err := cb.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("opens after exactly threshold consecutive failures", prop.ForAll(
		func(threshold int) bool {
			clock := newFakeClock()
			cb := testBreaker(threshold, clock)
			for i := 0; i < threshold-1; i++ {
				cb.RecordFailure()
				if cb.State() != models.CircuitClosed {
					return false
				}
			}
			cb.RecordFailure()
			if cb.State() != models.CircuitOpen {
				return false
			}

			clock.Advance(10 * time.Second)
			cb.ShouldAllowRequest()
			if cb.State() != models.CircuitHalfOpen {
				return false
			}
			cb.RecordSuccess()
			return cb.State() == models.CircuitClosed
		},
		gen.IntRange(1, 20),
	))

	properties.Property("denies every request before the recovery timeout", prop.ForAll(
		func(elapsedMs int) bool {
			clock := newFakeClock()
			cb := testBreaker(1, clock)
			cb.RecordFailure()
			clock.Advance(time.Duration(elapsedMs) * time.Millisecond)
			return !cb.ShouldAllowRequest() && cb.State() == models.CircuitOpen
		},
		gen.IntRange(0, 9999),
	))

	properties.TestingRun(t)
}

func TestBreakerSetSharesInstances(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{FailureThreshold: 1})

	_, ok := set.Peek("a")
	assert.False(t, ok)
	assert.Equal(t, models.CircuitClosed, set.State("a"))

	first := set.Get("a")
	assert.Same(t, first, set.Get("a"))

	first.RecordFailure()
	assert.Equal(t, models.CircuitOpen, set.State("a"))
	assert.Equal(t, []string{"a"}, set.NotClosed())
	assert.Contains(t, set.Snapshot(), "a")

	set.Remove("a")
	_, ok = set.Peek("a")
	assert.False(t, ok)
}
