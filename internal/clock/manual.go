package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	armed   chan struct{}
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), armed: make(chan struct{}, 1)}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has been advanced past d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	select {
	case m.armed <- struct{}{}:
	default:
	}
	return ch
}

// Advance moves time forward by d and fires every waiter that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.at.After(now) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- now
	}
	m.waiters = remaining
	m.mu.Unlock()
	return now
}

// Pending returns the number of outstanding After channels.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntil waits until at least n After channels are outstanding or the
// real-time timeout elapses. It reports whether the count was reached.
func (m *Manual) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if m.Pending() >= n {
			return true
		}
		select {
		case <-m.armed:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			return m.Pending() >= n
		}
	}
}
