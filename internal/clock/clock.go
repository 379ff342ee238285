// Package clock provides the wall-time source and callback scheduler used by
// components that defer work to an absolute point in time.
package clock

import (
	"sync"
	"time"
)

// Scheduler is the time source and deferred-callback facility shared by the
// store and the WebSocket layer. Callbacks run on scheduler-owned goroutines;
// callers are responsible for re-acquiring their own locks and for checking
// their generation counters before acting.
type Scheduler interface {
	// Now returns the current time according to this scheduler's clock.
	Now() time.Time

	// ScheduleAt arranges for fn to be called at or after the absolute time t.
	// It returns a token that may be passed to Cancel.
	ScheduleAt(t time.Time, fn func()) int

	// Cancel revokes a previously scheduled callback. Cancelling a token that
	// has already fired or been cancelled is a no-op.
	Cancel(token int)
}

// System is the production Scheduler backed by the OS clock and time.AfterFunc.
type System struct {
	mu     sync.Mutex
	next   int
	timers map[int]*time.Timer
}

// NewSystem creates a System scheduler.
func NewSystem() *System {
	return &System{timers: make(map[int]*time.Timer)}
}

// Now returns the current wall-clock time.
func (s *System) Now() time.Time {
	return time.Now()
}

// ScheduleAt schedules fn at the absolute time t. Times in the past fire
// immediately (on a separate goroutine, never synchronously).
func (s *System) ScheduleAt(t time.Time, fn func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	token := s.next
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	s.timers[token] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[token]
		delete(s.timers, token)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return token
}

// Cancel stops the callback associated with token if it has not yet fired.
func (s *System) Cancel(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[token]; ok {
		timer.Stop()
		delete(s.timers, token)
	}
}

// Stop cancels every pending callback. Used during shutdown so that no timer
// goroutine outlives the service.
func (s *System) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, timer := range s.timers {
		timer.Stop()
		delete(s.timers, token)
	}
}

var _ Scheduler = (*System)(nil)
