// Package tombstone keeps the ledger of local deletions.
//
// The ledger is consumed exactly twice: at serialize time to embed
// deletions in the sync file (the data.deletions array), and at merge
// time to decide whether a locally-missing id should stay deleted. A
// ledger opened with a backing file also survives restarts, so a
// deletion made offline still propagates once the device reconnects.
package tombstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/finchley/finch/internal/model"
)

type key struct {
	entityType model.EntityType
	id         string
}

// Ledger records (entityType, id, deletedAt) triples for local deletions.
// At most one tombstone exists per (entityType, id) pair; recording the
// same pair twice is a no-op.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	entries map[key]model.Tombstone
}

// NewLedger returns an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[key]model.Tombstone)}
}

// Open returns a ledger backed by a JSON file at path, loading any
// previously persisted tombstones. A corrupt file is discarded rather
// than failing the open: worst case a deletion is re-merged from the
// sync file.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[key]model.Tombstone)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tombstone ledger: %w", err)
	}

	var tombs []model.Tombstone
	if err := json.Unmarshal(raw, &tombs); err != nil {
		_ = os.Remove(path)
		return l, nil
	}
	l.load(tombs)
	return l, nil
}

// Record notes a deletion. It returns true if a new tombstone was
// recorded and false if one already existed for the pair.
func (l *Ledger) Record(et model.EntityType, id string, deletedAt time.Time) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{et, id}
	if _, exists := l.entries[k]; exists {
		return false
	}
	l.entries[k] = model.Tombstone{ID: id, EntityType: et, DeletedAt: deletedAt.UTC()}
	l.persistLocked()
	return true
}

// All returns every tombstone, ordered by deletion time then id.
func (l *Ledger) All() []model.Tombstone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allLocked()
}

func (l *Ledger) allLocked() []model.Tombstone {
	out := make([]model.Tombstone, 0, len(l.entries))
	for _, t := range l.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeletedAt.Equal(out[j].DeletedAt) {
			return out[i].DeletedAt.Before(out[j].DeletedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of recorded tombstones.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ReplaceAll swaps the ledger contents for a merged tombstone set.
// Duplicate (entityType, id) pairs keep the earliest deletedAt.
func (l *Ledger) ReplaceAll(tombs []model.Tombstone) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load(tombs)
	l.persistLocked()
}

func (l *Ledger) load(tombs []model.Tombstone) {
	l.entries = make(map[key]model.Tombstone, len(tombs))
	for _, t := range tombs {
		if t.ID == "" {
			continue
		}
		k := key{t.EntityType, t.ID}
		if prev, exists := l.entries[k]; exists && prev.DeletedAt.Before(t.DeletedAt) {
			continue
		}
		l.entries[k] = model.Tombstone{ID: t.ID, EntityType: t.EntityType, DeletedAt: t.DeletedAt.UTC()}
	}
}

// Reset clears the ledger.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[key]model.Tombstone)
	l.persistLocked()
}

// persistLocked writes the ledger to its backing file, atomically via a
// temp file in the same directory. In-memory ledgers skip it.
func (l *Ledger) persistLocked() {
	if l.path == "" {
		return
	}
	body, err := json.Marshal(l.allLocked())
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".tombstones-*")
	if err != nil {
		return
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return
	}
	_ = os.Rename(tmp.Name(), l.path)
}
