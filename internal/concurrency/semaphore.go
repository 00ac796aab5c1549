// Package concurrency provides the process-wide FIFO counting semaphore
// that gates Session acquisition across the Swarm and Pipeline engines
// (spec.md §4.2, "a single process-wide counting semaphore ... FIFO
// waiters"). It is the only shared mutable resource between concurrently
// running ops (spec.md §4.2's "Ownership over sharing" design note).
package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds the number of simultaneous Session acquisitions. It
// wraps golang.org/x/sync/semaphore.Weighted, which already queues
// waiters FIFO — acquires are granted in call order, not by scheduler
// whim.
type Semaphore struct {
	weighted *semaphore.Weighted
	capacity int64
}

// New builds a Semaphore with the given capacity. capacity must be >= 1;
// the caller is responsible for enforcing that (cmd/kandev-core clamps
// its configured value), since a capacity of 0 would deadlock every
// acquire.
func New(capacity int) *Semaphore {
	return &Semaphore{weighted: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Acquire blocks until a permit is available or ctx is cancelled. Each
// successful Acquire must be paired with exactly one Release.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.weighted.Acquire(ctx, 1)
}

// Release returns a permit to the pool.
func (s *Semaphore) Release() {
	s.weighted.Release(1)
}

// Capacity returns the configured maximum number of simultaneous
// acquisitions.
func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}

// TryAcquire attempts to acquire a permit without blocking. It reports
// whether the permit was granted.
func (s *Semaphore) TryAcquire() bool {
	return s.weighted.TryAcquire(1)
}
