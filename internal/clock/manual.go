package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when told to. Tests use it to age
// logically expired cache entries and to pin id timestamps.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock reaches now+d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{due: m.now.Add(d), ch: ch})
	return ch
}

// Sleep blocks until the clock has been advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and wakes every waiter that is due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(m.now.Add(d))
}

// Set moves the clock to t. Moving backwards is allowed and wakes nobody.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(t.UTC())
}

func (m *Manual) setLocked(now time.Time) time.Time {
	m.now = now
	if len(m.waiters) == 0 {
		return now
	}
	sort.Slice(m.waiters, func(i, j int) bool { return m.waiters[i].due.Before(m.waiters[j].due) })
	idx := 0
	for idx < len(m.waiters) && !m.waiters[idx].due.After(now) {
		m.waiters[idx].ch <- now
		idx++
	}
	m.waiters = append(m.waiters[:0], m.waiters[idx:]...)
	return now
}

// Pending reports how many waiters are still blocked.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
