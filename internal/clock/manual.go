package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual only moves when told to. Channels returned by After fire, in
// deadline order, from inside the Advance or Set call that reaches them.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []timer // sorted by due
}

type timer struct {
	due time.Time
	ch  chan time.Time
}

// NewManual starts a Manual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After fires immediately for d <= 0.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	t := timer{due: m.now.Add(d), ch: ch}
	i, _ := slices.BinarySearchFunc(m.timers, t.due, func(x timer, due time.Time) int {
		return x.due.Compare(due)
	})
	m.timers = slices.Insert(m.timers, i, t)
	return ch
}

// Sleep blocks until another goroutine advances the clock past d.
func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward by d (negative d is ignored) and returns
// the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(max(d, 0))
	m.expire()
	return m.now
}

// Set moves the clock to t. It never goes backwards.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
	m.expire()
}

// Pending counts timers that have not fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) expire() {
	n := 0
	for n < len(m.timers) && !m.timers[n].due.After(m.now) {
		m.timers[n].ch <- m.now
		n++
	}
	m.timers = slices.Delete(m.timers, 0, n)
}
