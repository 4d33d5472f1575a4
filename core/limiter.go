package core

import "sync"

// CycleLimiter enforces a maximum number of requires-action tool cycles per
// turn. An unbounded cycle indicates a backend-side loop; exceeding the limit
// fails the turn with ErrTooManyToolCycles.
type CycleLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCycleLimiter creates a limiter with a max number of cycles.
// If max == 0, unlimited cycles are allowed.
func NewCycleLimiter(max int) *CycleLimiter {
	return &CycleLimiter{max: max}
}

// Increment counts one cycle and returns ErrTooManyToolCycles once the limit
// is exceeded.
func (cl *CycleLimiter) Increment() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.count++
	if cl.max > 0 && cl.count > cl.max {
		return ErrTooManyToolCycles
	}

	return nil
}

// Count returns the number of cycles counted so far.
func (cl *CycleLimiter) Count() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.count
}

// Remaining returns how many cycles are left before the limit, or -1 when
// unlimited.
func (cl *CycleLimiter) Remaining() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max == 0 {
		return -1
	}

	return cl.max - cl.count
}
