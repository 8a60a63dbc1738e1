package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds concurrent scans. Each detection run can spawn a headless
// browser and several outbound fetches, so an unbounded API would exhaust
// file descriptors under burst load.
type Semaphore struct {
	sem      chan struct{}
	rejected atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 8
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// TryAcquire attempts to acquire a slot without blocking.
// Returns false when at capacity, in which case the caller should reject
// the request rather than queue it.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.rejected.Add(1)
		return false
	}
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Must be called after a successful TryAcquire or
// Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
	}
}

// InUse returns the number of scans currently holding a slot.
func (s *Semaphore) InUse() int {
	return len(s.sem)
}

// Rejected returns how many scan requests were turned away at capacity.
func (s *Semaphore) Rejected() int64 {
	return s.rejected.Load()
}
