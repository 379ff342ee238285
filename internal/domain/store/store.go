// Package store owns the state document: loading it from disk, projecting it
// through the access engine, fanning updates out to subscribers, and flushing
// changes back to the file with a coalesced, rate-limited saver.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/alfred-project/alfred/internal/clock"
	"github.com/alfred-project/alfred/internal/domain/access"
)

// defaultMinSaveInterval applies when the document's Configuration does not
// name one.
const defaultMinSaveInterval = 60 * time.Second

var (
	// ErrNotMobilized is returned by operations that need a loaded document.
	ErrNotMobilized = errors.New("store is not mobilized")

	// ErrAccessDenied is returned when the caller's roles do not satisfy the
	// gate for the requested operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoSuchPath is returned when a mutation path does not lead to an
	// object that could hold the final key.
	ErrNoSuchPath = errors.New("no such path")
)

// subscription is one registered observer of a path.
type subscription struct {
	path      []string
	held      access.RoleSet
	onUpdate  func(any)
	digest    uint64
	hasDigest bool
}

// delivery is a callback captured under the lock and invoked outside it.
type delivery struct {
	fn    func(any)
	value any
}

// Store holds the document and everything needed to keep it consistent:
// a single mutex over the in-memory state, the subscription registry, and
// the coalesced-save machinery.
type Store struct {
	mu sync.Mutex

	logger  *slog.Logger
	metrics *Metrics

	document  any
	filePath  string
	scheduler clock.Scheduler

	mobilized  bool
	generation uint64

	dirty           bool
	saving          bool
	nextSaveTime    time.Time
	saveToken       int
	minSaveInterval time.Duration

	subscribers map[uuid.UUID]*subscription
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches a metrics set to the store.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an un-mobilized Store.
func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		logger:      logger.With("component", "Store"),
		subscribers: make(map[uuid.UUID]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mobilize loads the document from filePath, binds the scheduler, and reads
// Configuration.MinSaveInterval (seconds, default 60). It is idempotent: a
// second call on a mobilized store succeeds without reloading.
func (s *Store) Mobilize(filePath string, scheduler clock.Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mobilized {
		return nil
	}

	encoded, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read store file %q: %w", filePath, err)
	}
	var document any
	if err := json.Unmarshal(encoded, &document); err != nil {
		return fmt.Errorf("parse store file %q: %w", filePath, err)
	}

	s.document = document
	s.filePath = filePath
	s.scheduler = scheduler
	s.minSaveInterval = defaultMinSaveInterval
	if configuration, ok := access.Get(document, []string{"Configuration"}, nil).(map[string]any); ok {
		if seconds, ok := configuration["MinSaveInterval"].(float64); ok {
			s.minSaveInterval = time.Duration(seconds * float64(time.Second))
		}
	}
	s.mobilized = true
	s.generation++
	s.logger.Info("loaded store", "path", filePath, "min_save_interval", s.minSaveInterval)
	return nil
}

// Demobilize cancels any pending save, clears the dirty flag, detaches the
// scheduler, and marks the store un-mobilized. Safe to call on an
// un-mobilized store.
func (s *Store) Demobilize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mobilized {
		return
	}
	if s.saving {
		s.scheduler.Cancel(s.saveToken)
		s.saving = false
	}
	s.dirty = false
	s.scheduler = nil
	s.mobilized = false
}

// Get returns the projection of the subtree at path as seen by a caller
// holding the given roles, or nil when the path is missing or fully
// redacted.
func (s *Store) Get(path []string, held access.RoleSet) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mobilized {
		return nil
	}
	return access.Get(s.document, path, held)
}

// Subscribe registers an observer of the subtree at path. The initial
// projection is delivered synchronously before Subscribe returns, outside
// the store lock. The returned cancel function erases the subscription.
func (s *Store) Subscribe(path []string, held access.RoleSet, onUpdate func(any)) func() {
	s.mu.Lock()
	token := uuid.New()
	sub := &subscription{
		path:     append([]string(nil), path...),
		held:     held.Clone(),
		onUpdate: onUpdate,
	}
	initial := access.Get(s.document, sub.path, sub.held)
	sub.digest = digest(initial)
	sub.hasDigest = true
	s.subscribers[token] = sub
	if s.metrics != nil {
		s.metrics.Subscriptions.Inc()
	}
	s.mu.Unlock()

	onUpdate(initial)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[token]; ok {
			delete(s.subscribers, token)
			if s.metrics != nil {
				s.metrics.Subscriptions.Dec()
			}
		}
	}
}

// Set writes value at path. Overwriting an existing key requires write_data
// at that scope; introducing a new key requires create_data. Writing over a
// policy node replaces its data branch and preserves its descriptor. The
// mutation arms the coalesced saver and notifies affected subscribers.
func (s *Store) Set(path []string, held access.RoleSet, value any) error {
	if len(path) == 0 {
		return ErrNoSuchPath
	}
	s.mu.Lock()
	deliveries, err := s.setLocked(path, held, value)
	s.mu.Unlock()
	for _, d := range deliveries {
		d.fn(d.value)
	}
	return err
}

// Delete removes the key at path. Requires delete_data at that scope.
func (s *Store) Delete(path []string, held access.RoleSet) error {
	if len(path) == 0 {
		return ErrNoSuchPath
	}
	s.mu.Lock()
	deliveries, err := s.deleteLocked(path, held)
	s.mu.Unlock()
	for _, d := range deliveries {
		d.fn(d.value)
	}
	return err
}

func (s *Store) setLocked(path []string, held access.RoleSet, value any) ([]delivery, error) {
	if !s.mobilized {
		return nil, ErrNotMobilized
	}
	parent, perms, err := s.mutableParent(path)
	if err != nil {
		return nil, err
	}
	key := path[len(path)-1]
	existing, exists := parent[key]
	op := access.OpWriteData
	if !exists {
		op = access.OpCreateData
	}
	if !perms.Allows(op, held) {
		return nil, ErrAccessDenied
	}
	if node, ok := existing.(map[string]any); ok {
		if _, isWrapper := node["data"]; isWrapper {
			node["data"] = value
			return s.mutatedLocked(), nil
		}
	}
	parent[key] = value
	return s.mutatedLocked(), nil
}

func (s *Store) deleteLocked(path []string, held access.RoleSet) ([]delivery, error) {
	if !s.mobilized {
		return nil, ErrNotMobilized
	}
	parent, perms, err := s.mutableParent(path)
	if err != nil {
		return nil, err
	}
	key := path[len(path)-1]
	if _, exists := parent[key]; !exists {
		return nil, ErrNoSuchPath
	}
	if !perms.Allows(access.OpDeleteData, held) {
		return nil, ErrAccessDenied
	}
	delete(parent, key)
	return s.mutatedLocked(), nil
}

// mutableParent descends to the object that holds the final key of path,
// returning it along with the permissions accumulated on the way there.
func (s *Store) mutableParent(path []string) (map[string]any, access.Permissions, error) {
	node, perms, ok := access.Descend(s.document, path[:len(path)-1])
	if !ok {
		return nil, nil, ErrNoSuchPath
	}
	node, perms = access.Unwrap(node, perms)
	parent, isObject := node.(map[string]any)
	if !isObject {
		return nil, nil, ErrNoSuchPath
	}
	return parent, perms, nil
}

// mutatedLocked arms the saver and captures subscriber deliveries for every
// subscription whose projection changed. Must be called with s.mu held; the
// caller invokes the returned deliveries after releasing it.
func (s *Store) mutatedLocked() []delivery {
	if s.metrics != nil {
		s.metrics.MutationsTotal.Inc()
	}
	s.scheduleSaveLocked()

	var deliveries []delivery
	for _, sub := range s.subscribers {
		projection := access.Get(s.document, sub.path, sub.held)
		d := digest(projection)
		if sub.hasDigest && sub.digest == d {
			continue
		}
		sub.digest = d
		sub.hasDigest = true
		deliveries = append(deliveries, delivery{fn: sub.onUpdate, value: projection})
	}
	return deliveries
}

// scheduleSaveLocked arms the coalesced saver. If a save is already armed it
// just records that a follow-up is needed. Successive saves are spaced at
// least minSaveInterval apart even under bursty writes.
func (s *Store) scheduleSaveLocked() {
	if s.saving {
		s.dirty = true
		return
	}
	s.saving = true
	s.dirty = false
	now := s.scheduler.Now()
	if s.nextSaveTime.Before(now) {
		s.nextSaveTime = now
	}
	at := s.nextSaveTime
	thisGeneration := s.generation
	s.saveToken = s.scheduler.ScheduleAt(at, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.mobilized || s.generation != thisGeneration {
			return
		}
		s.saveLocked()
	})
	s.nextSaveTime = at.Add(s.minSaveInterval)
}

// saveLocked writes the document to the backing file and re-arms the saver
// when further mutations arrived while the save was pending. A write failure
// is logged and marks the store dirty so the full document is retried on the
// next cycle; it never tears the service down.
func (s *Store) saveLocked() {
	s.saving = false
	if err := s.writeFileLocked(); err != nil {
		s.logger.Error("failed to save store", "path", s.filePath, "error", err)
		if s.metrics != nil {
			s.metrics.SaveErrorsTotal.Inc()
		}
		s.dirty = true
	} else {
		if s.metrics != nil {
			s.metrics.SavesTotal.Inc()
		}
		s.logger.Debug("store saved", "path", s.filePath)
	}
	if s.dirty {
		s.scheduleSaveLocked()
	}
}

// writeFileLocked re-encodes the whole document, pretty-printed, and writes
// it atomically: temp file, fsync, rename.
func (s *Store) writeFileLocked() error {
	encoded, err := json.MarshalIndent(s.document, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	encoded = append(encoded, '\n')

	tmpPath := s.filePath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(encoded); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to store: %w", err)
	}
	return nil
}

// digest fingerprints a projection so unchanged deliveries can be
// suppressed. encoding/json sorts object keys, so the encoding is stable.
func digest(v any) uint64 {
	encoded, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(encoded)
}
