package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finchley/finch/internal/model"
)

// DeleteHook observes successful deletions. The sync layer wires it to
// the tombstone ledger so every local delete leaves a tombstone.
type DeleteHook func(et model.EntityType, id string, deletedAt time.Time)

// ChangeHook observes local mutations (create, update, delete). The sync
// orchestrator wires it to its save debouncer. Reload via ReplaceAll does
// not fire it.
type ChangeHook func(et model.EntityType)

// Collection is the entity store for a single collection. T is the record
// type; PT is *T and carries the stamp/touch mutators via the embedded
// model.Meta.
type Collection[T model.Entity, PT interface {
	*T
	model.Mutable
}] struct {
	mu      sync.RWMutex
	db      *DB
	et      model.EntityType
	records map[string]T

	clock    func() time.Time
	onChange ChangeHook
	onDelete DeleteHook
}

func newCollection[T model.Entity, PT interface {
	*T
	model.Mutable
}](ctx context.Context, db *DB, et model.EntityType, clock func() time.Time) (*Collection[T, PT], error) {
	c := &Collection[T, PT]{
		db:      db,
		et:      et,
		records: make(map[string]T),
		clock:   clock,
	}
	bodies, err := db.list(ctx, et)
	if err != nil {
		return nil, err
	}
	for _, body := range bodies {
		var rec T
		if err := json.Unmarshal(body, &rec); err != nil {
			// One corrupt row must not block loading the rest.
			continue
		}
		if rec.EntityID() == "" {
			continue
		}
		c.records[rec.EntityID()] = rec
	}
	return c, nil
}

// EntityType returns the collection's entity type.
func (c *Collection[T, PT]) EntityType() model.EntityType { return c.et }

// Len returns the number of records.
func (c *Collection[T, PT]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Get returns the record with the given id.
func (c *Collection[T, PT]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// All returns every record, ordered by creation time then id.
func (c *Collection[T, PT]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Created(), out[j].Created()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].EntityID() < out[j].EntityID()
	})
	return out
}

// Create stamps identity on the record (id and timestamps, where not
// already set) and persists it.
func (c *Collection[T, PT]) Create(ctx context.Context, rec T) (T, error) {
	var zero T
	PT(&rec).Stamp(c.clock())

	c.mu.Lock()
	if _, exists := c.records[rec.EntityID()]; exists {
		c.mu.Unlock()
		return zero, fmt.Errorf("%s: duplicate id %s", c.et, rec.EntityID())
	}
	c.mu.Unlock()

	if err := c.persist(ctx, rec); err != nil {
		return zero, err
	}

	c.mu.Lock()
	c.records[rec.EntityID()] = rec
	c.mu.Unlock()

	c.fireChange()
	return rec, nil
}

// Update applies mutate to the record, bumps updatedAt, and persists.
// Returns false if the id does not exist.
func (c *Collection[T, PT]) Update(ctx context.Context, id string, mutate func(PT)) (T, bool, error) {
	var zero T

	c.mu.Lock()
	rec, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return zero, false, nil
	}

	mutate(PT(&rec))
	PT(&rec).Touch(c.clock())

	if err := c.persist(ctx, rec); err != nil {
		return zero, true, err
	}

	c.mu.Lock()
	c.records[id] = rec
	c.mu.Unlock()

	c.fireChange()
	return rec, true, nil
}

// Delete removes the record. The delete hook (tombstone recording) fires
// only on a successful, existing deletion.
func (c *Collection[T, PT]) Delete(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	_, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	if _, err := c.db.delete(ctx, c.et, id); err != nil {
		return false, err
	}

	c.mu.Lock()
	delete(c.records, id)
	c.mu.Unlock()

	deletedAt := c.clock()
	if c.onDelete != nil {
		c.onDelete(c.et, id, deletedAt)
	}
	c.fireChange()
	return true, nil
}

// ReplaceAll swaps the entire collection for merged state. It is the only
// write path the sync orchestrator uses, and it deliberately does not
// fire the change hook: a reload must never trigger a save of its own
// intermediate state.
func (c *Collection[T, PT]) ReplaceAll(ctx context.Context, recs []T) error {
	rows := make([]row, 0, len(recs))
	fresh := make(map[string]T, len(recs))
	for _, rec := range recs {
		if rec.EntityID() == "" {
			continue
		}
		body, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row{
			ID:        rec.EntityID(),
			Body:      body,
			CreatedAt: rec.Created(),
			UpdatedAt: rec.Updated(),
		})
		fresh[rec.EntityID()] = rec
	}

	if err := c.db.replaceAll(ctx, c.et, rows); err != nil {
		return err
	}

	c.mu.Lock()
	c.records = fresh
	c.mu.Unlock()
	return nil
}

func (c *Collection[T, PT]) persist(ctx context.Context, rec T) error {
	body, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return c.db.upsert(ctx, c.et, row{
		ID:        rec.EntityID(),
		Body:      body,
		CreatedAt: rec.Created(),
		UpdatedAt: rec.Updated(),
	})
}

func (c *Collection[T, PT]) fireChange() {
	if c.onChange != nil {
		c.onChange(c.et)
	}
}
