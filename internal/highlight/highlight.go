// Package highlight flags records that changed across a sync reload so
// the UI can call them out briefly.
//
// It is purely observational: it diffs an id -> updatedAt snapshot taken
// before the reload against the state after, and never influences merge
// outcomes. Highlight sets from rapid back-to-back syncs are merged
// rather than replaced, and everything expires after a fixed duration.
package highlight

import (
	"sync"
	"time"

	"github.com/finchley/finch/internal/model"
)

// DefaultTTL is how long a highlight stays active.
const DefaultTTL = 10 * time.Second

// Kind classifies a highlighted record.
type Kind int

const (
	// KindNew marks a record that did not exist before the reload.
	KindNew Kind = iota
	// KindModified marks a record whose updatedAt changed.
	KindModified
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Changes maps entity type -> id -> highlight kind.
type Changes map[model.EntityType]map[string]Kind

// Count returns the total number of highlighted records.
func (c Changes) Count() int {
	n := 0
	for _, ids := range c {
		n += len(ids)
	}
	return n
}

// Tracker owns the before-reload snapshot and the active highlight set.
type Tracker struct {
	mu        sync.Mutex
	before    map[model.EntityType]map[string]time.Time
	active    Changes
	expiresAt time.Time
	ttl       time.Duration
	clock     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides the highlight duration.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// WithClock overrides the time source, used in tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SnapshotBeforeReload captures id -> updatedAt for every record ahead
// of a merge-triggered reload.
func (t *Tracker) SnapshotBeforeReload(ds *model.Dataset) {
	snap := ds.Timestamps()
	t.mu.Lock()
	t.before = snap
	t.mu.Unlock()
}

// DetectChanges diffs the post-reload dataset against the snapshot,
// classifying records as new or modified, and merges the result with any
// still-active highlights from a prior sync.
func (t *Tracker) DetectChanges(ds *model.Dataset) Changes {
	after := ds.Timestamps()
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make(Changes)
	for et, ids := range after {
		prev := t.before[et]
		for id, updated := range ids {
			prevUpdated, existed := prev[id]
			switch {
			case !existed:
				setChange(fresh, et, id, KindNew)
			case !updated.Equal(prevUpdated):
				setChange(fresh, et, id, KindModified)
			}
		}
	}

	// Carry over highlights that have not expired yet; a rapid second
	// sync must not wipe out what the user was just shown.
	if now.Before(t.expiresAt) {
		for et, ids := range t.active {
			for id, kind := range ids {
				if _, already := fresh[et][id]; !already {
					setChange(fresh, et, id, kind)
				}
			}
		}
	}

	t.active = fresh
	t.before = nil
	if fresh.Count() > 0 {
		t.expiresAt = now.Add(t.ttl)
	}
	return copyChanges(fresh)
}

// Active returns the highlights still in effect, or nil after expiry.
func (t *Tracker) Active() Changes {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active.Count() == 0 || !t.clock().Before(t.expiresAt) {
		return nil
	}
	return copyChanges(t.active)
}

// Reset drops the snapshot and all active highlights.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.before = nil
	t.active = nil
	t.expiresAt = time.Time{}
}

func setChange(c Changes, et model.EntityType, id string, kind Kind) {
	if c[et] == nil {
		c[et] = make(map[string]Kind)
	}
	c[et][id] = kind
}

func copyChanges(c Changes) Changes {
	out := make(Changes, len(c))
	for et, ids := range c {
		m := make(map[string]Kind, len(ids))
		for id, kind := range ids {
			m[id] = kind
		}
		out[et] = m
	}
	return out
}
