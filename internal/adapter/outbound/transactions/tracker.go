// Package transactions tracks in-flight outbound HTTP transactions for one
// owner, usually a WebSocket session. Each transaction gets a monotonic local
// id; when the owner is destroyed first, outstanding transactions are
// abandoned and their completions must not run.
package transactions

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracker is the per-owner transaction table.
type Tracker struct {
	mu        sync.Mutex
	logger    *slog.Logger
	abandoned prometheus.Counter

	nextID    uint64
	inflight  map[uint64]string
	destroyed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAbandonedCounter records abandoned transactions on the given counter.
func WithAbandonedCounter(c prometheus.Counter) Option {
	return func(t *Tracker) { t.abandoned = c }
}

// New creates a Tracker logging under the given owner name.
func New(logger *slog.Logger, owner string, opts ...Option) *Tracker {
	t := &Tracker{
		logger:   logger.With("component", "Transactions", "owner", owner),
		inflight: make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin registers a transaction and returns its id. ok is false when the
// tracker is already destroyed; the caller must not issue the request.
func (t *Tracker) Begin(description string) (id uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, false
	}
	t.nextID++
	t.inflight[t.nextID] = description
	return t.nextID, true
}

// Finish removes a transaction. It returns true when the entry was still
// live, meaning the completion callback may run; false means the owner was
// destroyed in the meantime and the completion must be dropped.
func (t *Tracker) Finish(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return false
	}
	if _, ok := t.inflight[id]; !ok {
		return false
	}
	delete(t.inflight, id)
	return true
}

// Destroy abandons every outstanding transaction. Subsequent Begin and
// Finish calls fail. Idempotent.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	for id, description := range t.inflight {
		t.logger.Warn("abandoning outbound transaction", "id", id, "description", description)
		if t.abandoned != nil {
			t.abandoned.Inc()
		}
	}
	t.inflight = nil
}

// Count reports the number of in-flight transactions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
