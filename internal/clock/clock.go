package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock used by tests and replay tooling.
// Params: initial instant; Advance and Set move it.
// Returns: deterministic time source safe for concurrent readers.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock at instant.
func NewManual(at time.Time) *Manual {
	return &Manual{now: at.UTC()}
}

// Now returns current manual instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves clock forward by delta.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(delta)
	m.mu.Unlock()
}

// Set replaces current instant.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	m.now = at.UTC()
	m.mu.Unlock()
}
