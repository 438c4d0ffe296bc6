// Package wal implements the settings write-ahead log.
//
// Settings mutate far more often than any other entity but are persisted
// remotely only by the debounced full-file save. If the session ends
// before the debounce fires, those changes are gone. The journal closes
// that window: every settings mutation is appended here synchronously,
// and after each reload the orchestrator replays the entry if it is
// newer than the freshly-loaded file and not stale.
package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/finchley/finch/internal/model"
)

// DefaultStaleness is how old a journal entry may be before it is
// considered abandoned and discarded instead of replayed.
const DefaultStaleness = 24 * time.Hour

// Entry is the single journaled settings change. Successive appends
// accumulate into one entry; the timestamp is always the latest append.
type Entry struct {
	Patch     model.SettingsPatch `json:"patch"`
	Timestamp time.Time           `json:"timestamp"`
}

// Journal is a synchronous single-entry write-ahead log backed by a
// small JSON file guarded by an advisory file lock, so two processes
// sharing a data directory cannot interleave half-written entries.
type Journal struct {
	path      string
	lock      *flock.Flock
	staleness time.Duration
	clock     func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithStaleness overrides the staleness window.
func WithStaleness(d time.Duration) Option {
	return func(j *Journal) { j.staleness = d }
}

// WithClock overrides the time source, used in tests.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) { j.clock = clock }
}

// New returns a journal stored at path.
func New(path string, opts ...Option) *Journal {
	j := &Journal{
		path:      path,
		lock:      flock.New(path + ".lock"),
		staleness: DefaultStaleness,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append merges the patch into the journal entry and writes it to disk
// immediately. Unlike the main save path there is no debounce here.
func (j *Journal) Append(patch model.SettingsPatch, at time.Time) error {
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.lock.Unlock()

	entry, err := j.readLocked()
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &Entry{}
	}
	entry.Patch.Merge(patch)
	entry.Timestamp = at.UTC()

	return j.writeLocked(entry)
}

// Read returns the current entry, or nil if the journal is empty.
func (j *Journal) Read() (*Entry, error) {
	if err := j.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.lock.Unlock()
	return j.readLocked()
}

// Clear removes the journal entry. Called once the entry has been
// replayed, proven superseded by a newer file, or proven stale.
func (j *Journal) Clear() error {
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.lock.Unlock()

	if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

// IsStale reports whether the entry is older than the staleness window
// and should be discarded rather than replayed.
func (j *Journal) IsStale(entry *Entry) bool {
	if entry == nil {
		return true
	}
	return j.clock().Sub(entry.Timestamp) > j.staleness
}

// ShouldReplay decides whether the entry must be reapplied on top of a
// freshly-loaded file: it exists, it is not stale, and it is strictly
// newer than the file's exportedAt.
func (j *Journal) ShouldReplay(entry *Entry, fileExportedAt time.Time) bool {
	if entry == nil || j.IsStale(entry) {
		return false
	}
	return entry.Timestamp.After(fileExportedAt)
}

func (j *Journal) readLocked() (*Entry, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A torn journal protects nothing; drop it rather than wedge
		// every future reload.
		_ = os.Remove(j.path)
		return nil, nil
	}
	return &entry, nil
}

func (j *Journal) writeLocked(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0750); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit journal: %w", err)
	}
	return nil
}
