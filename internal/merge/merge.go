// Package merge implements conflict resolution between a local dataset
// snapshot and a freshly-read remote one.
//
// There is no server and no lock over the shared sync file; this merge is
// the concurrency-control mechanism. Each collection is merged
// independently with whole-record last-writer-wins on updatedAt, deletion
// tombstones propagate removals, and an edit strictly newer than a
// tombstone resurrects the record. Merging the same remote snapshot twice
// produces the same result as merging it once.
package merge

import (
	"time"

	"github.com/finchley/finch/internal/model"
)

// Snapshot is one side of a merge: a dataset plus its tombstones.
type Snapshot struct {
	Data       *model.Dataset
	Tombstones []model.Tombstone
}

// Stats counts what a merge did, for logging and status reporting.
type Stats struct {
	Kept        int // records surviving from either side
	Deleted     int // records excluded by a tombstone
	Resurrected int // tombstones dropped because an edit was newer
}

type tombKey struct {
	et model.EntityType
	id string
}

type merger struct {
	tombs       map[tombKey]time.Time
	resurrected map[tombKey]bool
	stats       Stats
}

// Merge combines local and remote snapshots into a new dataset and
// tombstone set. Neither input is mutated. A nil or empty remote dataset
// means "nothing to merge": the local side is returned as-is.
func Merge(local, remote Snapshot) (*model.Dataset, []model.Tombstone, Stats) {
	if local.Data == nil {
		local.Data = &model.Dataset{}
	}
	if remote.Data == nil || (remote.Data.IsEmpty() && len(remote.Tombstones) == 0) {
		out := cloneDataset(local.Data)
		out.Deletions = append([]model.Tombstone(nil), local.Tombstones...)
		out.SortStable()
		return out, out.Deletions, Stats{Kept: out.Count()}
	}

	m := &merger{
		tombs:       make(map[tombKey]time.Time),
		resurrected: make(map[tombKey]bool),
	}
	// Merged tombstone set starts as the union of both sides, keeping the
	// earliest deletedAt for duplicate pairs. Resurrections remove from it.
	m.addTombstones(local.Tombstones)
	m.addTombstones(remote.Tombstones)

	out := &model.Dataset{
		FamilyMembers:  mergeCollection(m, model.TypeFamilyMembers, local.Data.FamilyMembers, remote.Data.FamilyMembers),
		Accounts:       mergeCollection(m, model.TypeAccounts, local.Data.Accounts, remote.Data.Accounts),
		Transactions:   mergeCollection(m, model.TypeTransactions, local.Data.Transactions, remote.Data.Transactions),
		Assets:         mergeCollection(m, model.TypeAssets, local.Data.Assets, remote.Data.Assets),
		Goals:          mergeCollection(m, model.TypeGoals, local.Data.Goals, remote.Data.Goals),
		Budgets:        mergeCollection(m, model.TypeBudgets, local.Data.Budgets, remote.Data.Budgets),
		RecurringItems: mergeCollection(m, model.TypeRecurringItems, local.Data.RecurringItems, remote.Data.RecurringItems),
		Todos:          mergeCollection(m, model.TypeTodos, local.Data.Todos, remote.Data.Todos),
		Activities:     mergeCollection(m, model.TypeActivities, local.Data.Activities, remote.Data.Activities),
		Settings:       mergeSettings(local.Data.Settings, remote.Data.Settings),
	}

	tombs := m.survivingTombstones()
	out.Deletions = tombs
	out.SortStable()
	return out, tombs, m.stats
}

func (m *merger) addTombstones(tombs []model.Tombstone) {
	for _, t := range tombs {
		if t.ID == "" {
			continue
		}
		k := tombKey{t.EntityType, t.ID}
		if prev, ok := m.tombs[k]; ok && prev.Before(t.DeletedAt) {
			continue
		}
		m.tombs[k] = t.DeletedAt
	}
}

func (m *merger) survivingTombstones() []model.Tombstone {
	out := make([]model.Tombstone, 0, len(m.tombs))
	for k, at := range m.tombs {
		if m.resurrected[k] {
			continue
		}
		out = append(out, model.Tombstone{ID: k.id, EntityType: k.et, DeletedAt: at})
	}
	return out
}

// mergeCollection merges one entity collection. A remote side with a
// missing (nil) collection is treated as "collection unchanged" so older
// file-format versions merge cleanly.
func mergeCollection[T model.Entity](m *merger, et model.EntityType, local, remote []T) []T {
	if remote == nil {
		return keepSide(m, et, local)
	}

	localByID := indexByID(local)
	remoteByID := indexByID(remote)

	// Union of ids, iterated in a stable order: locals first, then
	// remote-only ids in remote order. Output is re-sorted anyway.
	seen := make(map[string]bool, len(localByID)+len(remoteByID))
	var out []T

	consider := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		rec, ok := resolveRecord(m, et, id, localByID, remoteByID)
		if ok {
			out = append(out, rec)
			m.stats.Kept++
		}
	}
	for _, r := range local {
		consider(r.EntityID())
	}
	for _, r := range remote {
		consider(r.EntityID())
	}
	return out
}

// resolveRecord decides the fate of a single id present on either side.
func resolveRecord[T model.Entity](m *merger, et model.EntityType, id string, local, remote map[string]T) (T, bool) {
	var zero T
	l, hasLocal := local[id]
	r, hasRemote := remote[id]

	// Record-level last-writer-wins. Equal timestamps prefer the remote
	// side: it was just read and is about to become the new baseline.
	var winner T
	var hasWinner bool
	switch {
	case hasLocal && hasRemote:
		if l.Updated().After(r.Updated()) {
			winner = l
		} else {
			winner = r
		}
		hasWinner = true
	case hasLocal:
		winner, hasWinner = l, true
	case hasRemote:
		winner, hasWinner = r, true
	}

	k := tombKey{et, id}
	deletedAt, hasTomb := m.tombs[k]
	if !hasTomb {
		return winner, hasWinner
	}
	if !hasWinner {
		// Tombstone with no record on either side: stays deleted.
		m.stats.Deleted++
		return zero, false
	}
	if winner.Updated().After(deletedAt) {
		// Edited after the deletion on the other device: the edit wins
		// and the tombstone is dropped.
		m.resurrected[k] = true
		m.stats.Resurrected++
		return winner, true
	}
	m.stats.Deleted++
	return zero, false
}

// keepSide passes a collection through unchanged except for tombstone
// application, used when the remote file predates the collection.
func keepSide[T model.Entity](m *merger, et model.EntityType, recs []T) []T {
	var out []T
	for _, r := range recs {
		k := tombKey{et, r.EntityID()}
		if deletedAt, ok := m.tombs[k]; ok {
			if !r.Updated().After(deletedAt) {
				m.stats.Deleted++
				continue
			}
			m.resurrected[k] = true
			m.stats.Resurrected++
		}
		out = append(out, r)
		m.stats.Kept++
	}
	return out
}

func cloneDataset(d *model.Dataset) *model.Dataset {
	return &model.Dataset{
		FamilyMembers:  append([]model.FamilyMember(nil), d.FamilyMembers...),
		Accounts:       append([]model.Account(nil), d.Accounts...),
		Transactions:   append([]model.Transaction(nil), d.Transactions...),
		Assets:         append([]model.Asset(nil), d.Assets...),
		Goals:          append([]model.Goal(nil), d.Goals...),
		Budgets:        append([]model.Budget(nil), d.Budgets...),
		RecurringItems: append([]model.RecurringItem(nil), d.RecurringItems...),
		Todos:          append([]model.Todo(nil), d.Todos...),
		Activities:     append([]model.Activity(nil), d.Activities...),
		Settings:       d.Settings.Clone(),
	}
}

func indexByID[T model.Entity](recs []T) map[string]T {
	out := make(map[string]T, len(recs))
	for _, r := range recs {
		if r.EntityID() == "" {
			// Malformed record: skipped rather than aborting the merge.
			continue
		}
		out[r.EntityID()] = r
	}
	return out
}

// mergeSettings applies last-writer-wins to the settings singleton, with
// the same remote-wins tie-break as records.
func mergeSettings(local, remote *model.Settings) *model.Settings {
	switch {
	case local == nil:
		return remote.Clone()
	case remote == nil:
		return local.Clone()
	case local.UpdatedAt.After(remote.UpdatedAt):
		return local.Clone()
	default:
		return remote.Clone()
	}
}
