package clock

import (
	"sync"
	"time"
)

// Clock is the only source of timestamps inside the core.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock. Timestamps are UTC and truncated to
// microseconds so they survive a round-trip through Postgres unchanged.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Manual is a settable clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC().Truncate(time.Microsecond)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d).Truncate(time.Microsecond)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC().Truncate(time.Microsecond)
	m.mu.Unlock()
}
