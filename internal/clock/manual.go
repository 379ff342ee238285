package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler for tests. Time only moves when Advance is called;
// due callbacks run synchronously on the advancing goroutine, in timestamp
// order, with the clock set to each callback's due time while it runs.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	next    int
	pending map[int]manualEntry
}

type manualEntry struct {
	due time.Time
	fn  func()
}

// NewManual creates a Manual scheduler starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, pending: make(map[int]manualEntry)}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleAt registers fn to run when the virtual clock reaches t.
func (m *Manual) ScheduleAt(t time.Time, fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.pending[m.next] = manualEntry{due: t, fn: fn}
	return m.next
}

// Cancel removes a pending callback.
func (m *Manual) Cancel(token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, token)
}

// Advance moves the virtual clock forward by d, firing every callback that
// comes due along the way. Callbacks scheduled during Advance whose due time
// falls inside the window fire in the same call.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		token, entry, ok := m.earliestDueLocked(target)
		if !ok {
			break
		}
		delete(m.pending, token)
		if entry.due.After(m.now) {
			m.now = entry.due
		}
		m.mu.Unlock()
		entry.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// PendingCount reports how many callbacks are waiting to fire.
func (m *Manual) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// earliestDueLocked finds the pending entry with the earliest due time not
// after target. Ties break on token order so scheduling order is stable.
func (m *Manual) earliestDueLocked(target time.Time) (int, manualEntry, bool) {
	tokens := make([]int, 0, len(m.pending))
	for token := range m.pending {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	best := -1
	for _, token := range tokens {
		entry := m.pending[token]
		if entry.due.After(target) {
			continue
		}
		if best < 0 || entry.due.Before(m.pending[best].due) {
			best = token
		}
	}
	if best < 0 {
		return 0, manualEntry{}, false
	}
	return best, m.pending[best], true
}

var _ Scheduler = (*Manual)(nil)
