package resilience

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrOverloaded is returned when every slot is taken.
var ErrOverloaded = errors.New("at capacity")

// Backpressure caps the number of operations in flight. Callers that cannot
// get a slot are shed instead of queued.
type Backpressure struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// NewBackpressure creates a controller with capacity slots (minimum 1).
func NewBackpressure(capacity int) *Backpressure {
	if capacity < 1 {
		capacity = 1
	}
	return &Backpressure{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// TryAcquire takes a slot without waiting.
func (bp *Backpressure) TryAcquire() bool {
	if !bp.sem.TryAcquire(1) {
		return false
	}
	bp.inFlight.Add(1)
	return true
}

// Acquire waits for a slot until ctx is done.
func (bp *Backpressure) Acquire(ctx context.Context) error {
	if err := bp.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	bp.inFlight.Add(1)
	return nil
}

// Release returns a slot taken by TryAcquire or Acquire.
func (bp *Backpressure) Release() {
	bp.inFlight.Add(-1)
	bp.sem.Release(1)
}

// InFlight is the number of slots currently held.
func (bp *Backpressure) InFlight() int {
	return int(bp.inFlight.Load())
}

// Capacity is the number of slots.
func (bp *Backpressure) Capacity() int {
	return int(bp.capacity)
}

// LoadFactor is InFlight over Capacity, in [0,1].
func (bp *Backpressure) LoadFactor() float64 {
	return float64(bp.inFlight.Load()) / float64(bp.capacity)
}

// Execute runs fn in a slot, or fails fast with ErrOverloaded.
func (bp *Backpressure) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !bp.TryAcquire() {
		return ErrOverloaded
	}
	defer bp.Release()
	return fn(ctx)
}
