package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/finchley/finch/internal/model"
)

// Stores bundles every entity collection plus the settings singleton over
// one database.
type Stores struct {
	db    *DB
	clock func() time.Time

	FamilyMembers  *Collection[model.FamilyMember, *model.FamilyMember]
	Accounts       *Collection[model.Account, *model.Account]
	Transactions   *Collection[model.Transaction, *model.Transaction]
	Assets         *Collection[model.Asset, *model.Asset]
	Goals          *Collection[model.Goal, *model.Goal]
	Budgets        *Collection[model.Budget, *model.Budget]
	RecurringItems *Collection[model.RecurringItem, *model.RecurringItem]
	Todos          *Collection[model.Todo, *model.Todo]
	Activities     *Collection[model.Activity, *model.Activity]
	Settings       *SettingsStore
}

// Option configures Open.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the time source, used in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Open opens the record database at path and loads every collection.
func Open(ctx context.Context, path string, opts ...Option) (*Stores, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	s := &Stores{db: db, clock: o.clock}
	if s.FamilyMembers, err = newCollection[model.FamilyMember, *model.FamilyMember](ctx, db, model.TypeFamilyMembers, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Accounts, err = newCollection[model.Account, *model.Account](ctx, db, model.TypeAccounts, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Transactions, err = newCollection[model.Transaction, *model.Transaction](ctx, db, model.TypeTransactions, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Assets, err = newCollection[model.Asset, *model.Asset](ctx, db, model.TypeAssets, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Goals, err = newCollection[model.Goal, *model.Goal](ctx, db, model.TypeGoals, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Budgets, err = newCollection[model.Budget, *model.Budget](ctx, db, model.TypeBudgets, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.RecurringItems, err = newCollection[model.RecurringItem, *model.RecurringItem](ctx, db, model.TypeRecurringItems, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Todos, err = newCollection[model.Todo, *model.Todo](ctx, db, model.TypeTodos, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Activities, err = newCollection[model.Activity, *model.Activity](ctx, db, model.TypeActivities, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	if s.Settings, err = newSettingsStore(ctx, db, o.clock); err != nil {
		return nil, closeOnErr(db, err)
	}
	return s, nil
}

func closeOnErr(db *DB, err error) error {
	_ = db.Close()
	return err
}

// Close closes the underlying database.
func (s *Stores) Close() error {
	return s.db.Close()
}

// SetChangeHook wires a local-mutation observer into every collection and
// the settings store.
func (s *Stores) SetChangeHook(hook ChangeHook) {
	s.FamilyMembers.onChange = hook
	s.Accounts.onChange = hook
	s.Transactions.onChange = hook
	s.Assets.onChange = hook
	s.Goals.onChange = hook
	s.Budgets.onChange = hook
	s.RecurringItems.onChange = hook
	s.Todos.onChange = hook
	s.Activities.onChange = hook
	s.Settings.onChange = hook
}

// SetDeleteHook wires a deletion observer into every collection.
func (s *Stores) SetDeleteHook(hook DeleteHook) {
	s.FamilyMembers.onDelete = hook
	s.Accounts.onDelete = hook
	s.Transactions.onDelete = hook
	s.Assets.onDelete = hook
	s.Goals.onDelete = hook
	s.Budgets.onDelete = hook
	s.RecurringItems.onDelete = hook
	s.Todos.onDelete = hook
	s.Activities.onDelete = hook
}

// Dataset snapshots every collection into a dataset. Deletions are left
// empty: the caller owns the tombstone ledger and fills them in.
func (s *Stores) Dataset() *model.Dataset {
	return &model.Dataset{
		FamilyMembers:  s.FamilyMembers.All(),
		Accounts:       s.Accounts.All(),
		Transactions:   s.Transactions.All(),
		Assets:         s.Assets.All(),
		Goals:          s.Goals.All(),
		Budgets:        s.Budgets.All(),
		RecurringItems: s.RecurringItems.All(),
		Todos:          s.Todos.All(),
		Activities:     s.Activities.All(),
		Settings:       s.Settings.Get(),
	}
}

// ReplaceDataset bulk-loads merged state into every collection. Each
// collection is replaced through its own ReplaceAll so per-collection
// invariants hold; none of the replacements fire change hooks.
func (s *Stores) ReplaceDataset(ctx context.Context, ds *model.Dataset) error {
	if err := s.FamilyMembers.ReplaceAll(ctx, ds.FamilyMembers); err != nil {
		return err
	}
	if err := s.Accounts.ReplaceAll(ctx, ds.Accounts); err != nil {
		return err
	}
	if err := s.Transactions.ReplaceAll(ctx, ds.Transactions); err != nil {
		return err
	}
	if err := s.Assets.ReplaceAll(ctx, ds.Assets); err != nil {
		return err
	}
	if err := s.Goals.ReplaceAll(ctx, ds.Goals); err != nil {
		return err
	}
	if err := s.Budgets.ReplaceAll(ctx, ds.Budgets); err != nil {
		return err
	}
	if err := s.RecurringItems.ReplaceAll(ctx, ds.RecurringItems); err != nil {
		return err
	}
	if err := s.Todos.ReplaceAll(ctx, ds.Todos); err != nil {
		return err
	}
	if err := s.Activities.ReplaceAll(ctx, ds.Activities); err != nil {
		return err
	}
	return s.Settings.Replace(ctx, ds.Settings)
}

// SettingsPatchHook observes settings mutations with the applied patch,
// used to journal the patch into the write-ahead log synchronously.
type SettingsPatchHook func(patch model.SettingsPatch, at time.Time)

// SettingsStore holds the settings singleton.
type SettingsStore struct {
	mu       sync.RWMutex
	db       *DB
	clock    func() time.Time
	settings *model.Settings

	onChange ChangeHook
	onPatch  SettingsPatchHook
}

func newSettingsStore(ctx context.Context, db *DB, clock func() time.Time) (*SettingsStore, error) {
	s := &SettingsStore{db: db, clock: clock}

	bodies, err := db.list(ctx, model.TypeSettings)
	if err != nil {
		return nil, err
	}
	for _, body := range bodies {
		var st model.Settings
		if err := json.Unmarshal(body, &st); err != nil {
			continue
		}
		if st.ID == model.SettingsID {
			s.settings = &st
			break
		}
	}
	return s, nil
}

// SetPatchHook wires the WAL observer.
func (s *SettingsStore) SetPatchHook(hook SettingsPatchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPatch = hook
}

// Get returns a copy of the settings singleton, or nil if none exists yet.
func (s *SettingsStore) Get() *model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// Apply overlays a patch on the current settings (creating defaults
// first if none exist), persists, and notifies the WAL and change hooks.
func (s *SettingsStore) Apply(ctx context.Context, patch model.SettingsPatch) (*model.Settings, error) {
	now := s.clock()

	s.mu.Lock()
	if s.settings == nil {
		s.settings = model.DefaultSettings(now)
	}
	patch.Apply(s.settings, now)
	updated := s.settings.Clone()
	onPatch := s.onPatch
	s.mu.Unlock()

	if err := s.persist(ctx, updated); err != nil {
		return nil, err
	}

	// The WAL append is synchronous and happens on every mutation, unlike
	// the debounced full-file save it protects against losing.
	if onPatch != nil {
		onPatch(patch, now)
	}
	if s.onChange != nil {
		s.onChange(model.TypeSettings)
	}
	return updated, nil
}

// Replace swaps the settings document during a merge reload. No hooks
// fire.
func (s *SettingsStore) Replace(ctx context.Context, settings *model.Settings) error {
	s.mu.Lock()
	s.settings = settings.Clone()
	current := s.settings.Clone()
	s.mu.Unlock()

	if current == nil {
		_, err := s.db.delete(ctx, model.TypeSettings, model.SettingsID)
		return err
	}
	return s.persist(ctx, current)
}

func (s *SettingsStore) persist(ctx context.Context, settings *model.Settings) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return s.db.upsert(ctx, model.TypeSettings, row{
		ID:        settings.ID,
		Body:      body,
		CreatedAt: settings.UpdatedAt,
		UpdatedAt: settings.UpdatedAt,
	})
}
