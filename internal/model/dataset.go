package model

import (
	"sort"
	"time"
)

// Dataset is the full application dataset: one slice per entity
// collection plus the deletion tombstones and the settings singleton.
// It is the payload serialized into the sync file and the unit the merge
// engine operates on.
type Dataset struct {
	FamilyMembers  []FamilyMember  `json:"familyMembers"`
	Accounts       []Account       `json:"accounts"`
	Transactions   []Transaction   `json:"transactions"`
	Assets         []Asset         `json:"assets"`
	Goals          []Goal          `json:"goals"`
	Budgets        []Budget        `json:"budgets,omitempty"`
	RecurringItems []RecurringItem `json:"recurringItems"`
	Todos          []Todo          `json:"todos,omitempty"`
	Activities     []Activity      `json:"activities,omitempty"`
	Deletions      []Tombstone     `json:"deletions"`
	Settings       *Settings       `json:"settings"`
}

// Count returns the total number of records across all collections,
// excluding tombstones and settings.
func (d *Dataset) Count() int {
	return len(d.FamilyMembers) + len(d.Accounts) + len(d.Transactions) +
		len(d.Assets) + len(d.Goals) + len(d.Budgets) +
		len(d.RecurringItems) + len(d.Todos) + len(d.Activities)
}

// IsEmpty reports whether the dataset holds no records, no tombstones,
// and no settings. A just-created placeholder file decodes to an empty
// dataset, which the merge engine treats as "nothing to merge".
func (d *Dataset) IsEmpty() bool {
	return d == nil || (d.Count() == 0 && len(d.Deletions) == 0 && d.Settings == nil)
}

// SortStable orders every collection by creation time then id so that
// serialized output is deterministic regardless of merge iteration order.
func (d *Dataset) SortStable() {
	sortRecords(d.FamilyMembers)
	sortRecords(d.Accounts)
	sortRecords(d.Transactions)
	sortRecords(d.Assets)
	sortRecords(d.Goals)
	sortRecords(d.Budgets)
	sortRecords(d.RecurringItems)
	sortRecords(d.Todos)
	sortRecords(d.Activities)
	sort.Slice(d.Deletions, func(i, j int) bool {
		if !d.Deletions[i].DeletedAt.Equal(d.Deletions[j].DeletedAt) {
			return d.Deletions[i].DeletedAt.Before(d.Deletions[j].DeletedAt)
		}
		return d.Deletions[i].ID < d.Deletions[j].ID
	})
}

func sortRecords[T Entity](recs []T) {
	sort.Slice(recs, func(i, j int) bool {
		ci, cj := recs[i].Created(), recs[j].Created()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return recs[i].EntityID() < recs[j].EntityID()
	})
}

// Normalize replaces nil collection slices with empty ones so the
// dataset serializes with explicit arrays regardless of which path
// produced it. Collections that serialize with omitempty are left alone.
func (d *Dataset) Normalize() {
	if d.FamilyMembers == nil {
		d.FamilyMembers = []FamilyMember{}
	}
	if d.Accounts == nil {
		d.Accounts = []Account{}
	}
	if d.Transactions == nil {
		d.Transactions = []Transaction{}
	}
	if d.Assets == nil {
		d.Assets = []Asset{}
	}
	if d.Goals == nil {
		d.Goals = []Goal{}
	}
	if d.RecurringItems == nil {
		d.RecurringItems = []RecurringItem{}
	}
	if d.Deletions == nil {
		d.Deletions = []Tombstone{}
	}
}

// Timestamps returns an id -> updatedAt index across every record
// collection, keyed by entity type. Both the highlight layer and the
// orchestrator's reload snapshotting build on it.
func (d *Dataset) Timestamps() map[EntityType]map[string]time.Time {
	out := make(map[EntityType]map[string]time.Time, len(EntityTypes))
	index(out, TypeFamilyMembers, d.FamilyMembers)
	index(out, TypeAccounts, d.Accounts)
	index(out, TypeTransactions, d.Transactions)
	index(out, TypeAssets, d.Assets)
	index(out, TypeGoals, d.Goals)
	index(out, TypeBudgets, d.Budgets)
	index(out, TypeRecurringItems, d.RecurringItems)
	index(out, TypeTodos, d.Todos)
	index(out, TypeActivities, d.Activities)
	return out
}

func index[T Entity](dst map[EntityType]map[string]time.Time, et EntityType, recs []T) {
	m := make(map[string]time.Time, len(recs))
	for _, r := range recs {
		if r.EntityID() == "" {
			continue
		}
		m[r.EntityID()] = r.Updated()
	}
	dst[et] = m
}
