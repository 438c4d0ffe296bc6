// Package model defines the entity types shared by the finch stores,
// file codec, and merge engine.
//
// Every syncable record embeds Meta and therefore carries an id plus
// createdAt/updatedAt timestamps. The updatedAt timestamp is the sole
// recency signal used for conflict resolution: the merge engine compares
// nothing else.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityType identifies a syncable collection. The values double as the
// JSON keys inside the sync file's data object and as the entityType
// recorded on deletion tombstones.
type EntityType string

const (
	TypeFamilyMembers  EntityType = "familyMembers"
	TypeAccounts       EntityType = "accounts"
	TypeTransactions   EntityType = "transactions"
	TypeAssets         EntityType = "assets"
	TypeGoals          EntityType = "goals"
	TypeBudgets        EntityType = "budgets"
	TypeRecurringItems EntityType = "recurringItems"
	TypeTodos          EntityType = "todos"
	TypeActivities     EntityType = "activities"
	TypeSettings       EntityType = "settings"
)

// EntityTypes lists every record collection in sync order.
// Settings is not listed: it is a singleton, not a collection.
var EntityTypes = []EntityType{
	TypeFamilyMembers,
	TypeAccounts,
	TypeTransactions,
	TypeAssets,
	TypeGoals,
	TypeBudgets,
	TypeRecurringItems,
	TypeTodos,
	TypeActivities,
}

// Meta holds the fields common to every syncable record.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMeta returns a Meta with a fresh UUID and both timestamps set to now.
func NewMeta(now time.Time) Meta {
	return Meta{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// EntityID returns the record id.
func (m Meta) EntityID() string { return m.ID }

// Created returns the creation timestamp.
func (m Meta) Created() time.Time { return m.CreatedAt }

// Updated returns the last-modified timestamp used for conflict resolution.
func (m Meta) Updated() time.Time { return m.UpdatedAt }

// Touch bumps the last-modified timestamp.
func (m *Meta) Touch(now time.Time) { m.UpdatedAt = now.UTC() }

// Stamp fills in missing identity fields. Records created through a store
// get an id and timestamps here; records imported from a file keep theirs.
func (m *Meta) Stamp(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}

// Entity is satisfied by every record type (via the embedded Meta).
type Entity interface {
	EntityID() string
	Created() time.Time
	Updated() time.Time
}

// Mutable is satisfied by a pointer to every record type. Stores use it
// to stamp identity on create and bump updatedAt on update.
type Mutable interface {
	Touch(now time.Time)
	Stamp(now time.Time)
}

// Tombstone records that an entity was deleted so the deletion can
// propagate through merges instead of the record reappearing.
type Tombstone struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	DeletedAt  time.Time  `json:"deletedAt"`
}

// FamilyMember is a person sharing the dataset.
type FamilyMember struct {
	Meta
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Color string `json:"color,omitempty"`
}

// Account is a cash or credit account. Balance is derived: it is
// recomputed from OpeningBalance plus the account's transactions after
// every merge (see the merge package's reconcile pass).
type Account struct {
	Meta
	Name           string          `json:"name"`
	Type           string          `json:"type"` // checking, savings, credit, cash
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	Balance        decimal.Decimal `json:"balance"`
	OwnerID        string          `json:"ownerId,omitempty"`
	Archived       bool            `json:"archived,omitempty"`
}

// Transaction is a single ledger entry against an account. AccountID is a
// soft foreign key: the merge engine never enforces it.
type Transaction struct {
	Meta
	AccountID   string          `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"` // negative for expenses
	Currency    string          `json:"currency"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	Date        string          `json:"date"` // ISO date, passed through verbatim
	MemberID    string          `json:"memberId,omitempty"`
}

// Asset is a non-account holding (property, vehicle, investment).
type Asset struct {
	Meta
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
	Notes    string          `json:"notes,omitempty"`
}

// Goal is a savings target, optionally funded by a linked account.
// Saved is derived from the linked account's balance after a merge.
type Goal struct {
	Meta
	Name       string          `json:"name"`
	Target     decimal.Decimal `json:"target"`
	Saved      decimal.Decimal `json:"saved"`
	Currency   string          `json:"currency"`
	TargetDate string          `json:"targetDate,omitempty"`
	AccountID  string          `json:"accountId,omitempty"`
}

// Budget caps spending for a category over a period.
type Budget struct {
	Meta
	Category string          `json:"category"`
	Limit    decimal.Decimal `json:"limit"`
	Currency string          `json:"currency"`
	Period   string          `json:"period"` // monthly, yearly
}

// RecurringItem is a repeating income or expense.
type RecurringItem struct {
	Meta
	Name      string          `json:"name"`
	Kind      string          `json:"kind"` // income, expense
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Frequency string          `json:"frequency"` // weekly, monthly, yearly
	NextDate  string          `json:"nextDate,omitempty"`
	AccountID string          `json:"accountId,omitempty"`
}

// Todo is a planning item.
type Todo struct {
	Meta
	Title    string `json:"title"`
	Done     bool   `json:"done"`
	DueDate  string `json:"dueDate,omitempty"`
	MemberID string `json:"memberId,omitempty"`
}

// Activity is a logged family activity.
type Activity struct {
	Meta
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
	Date     string `json:"date,omitempty"`
	MemberID string `json:"memberId,omitempty"`
	Notes    string `json:"notes,omitempty"`
}
