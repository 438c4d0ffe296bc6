package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/highlight"
	"github.com/finchley/finch/internal/model"
	"github.com/finchley/finch/internal/provider"
	"github.com/finchley/finch/internal/store"
	"github.com/finchley/finch/internal/tombstone"
	"github.com/finchley/finch/internal/wal"
)

// fakeClock is a shared, manually-advanced time source so two devices
// produce strictly ordered timestamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// memProvider is an in-memory file shared between sessions, with an
// mtime driven by the fake clock so last-modified probes are exact.
type memProvider struct {
	mu     sync.Mutex
	data   []byte
	mod    time.Time
	clock  *fakeClock
	writes int
	probes int
}

func newMemProvider(clock *fakeClock) *memProvider {
	return &memProvider{clock: clock}
}

func (p *memProvider) Read(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return nil, provider.ErrNotFound
	}
	return append([]byte(nil), p.data...), nil
}

func (p *memProvider) Write(_ context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append([]byte(nil), b...)
	p.mod = p.clock.Now()
	p.writes++
	return nil
}

func (p *memProvider) LastModified(context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.data == nil {
		return time.Time{}, provider.ErrNotFound
	}
	return p.mod, nil
}

func (p *memProvider) DisplayName() string { return "test file" }

func (p *memProvider) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *memProvider) file(t *testing.T, secret *codec.Secret) *codec.File {
	t.Helper()
	p.mu.Lock()
	raw := append([]byte(nil), p.data...)
	p.mu.Unlock()

	f, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("failed to decode sync file: %v", err)
	}
	if f.NeedsPassword() {
		if err := f.Decrypt(secret); err != nil {
			t.Fatalf("failed to decrypt sync file: %v", err)
		}
	}
	return f
}

// device bundles one simulated app instance.
type device struct {
	stores  *store.Stores
	ledger  *tombstone.Ledger
	journal *wal.Journal
	sess    *Session
	dir     string
}

func newDevice(t *testing.T, clock *fakeClock, opts ...Option) *device {
	t.Helper()
	return newDeviceAt(t, clock, t.TempDir(), opts...)
}

// newDeviceAt reuses an existing data directory, simulating an app
// restart on the same machine.
func newDeviceAt(t *testing.T, clock *fakeClock, dir string, opts ...Option) *device {
	t.Helper()

	stores, err := store.Open(context.Background(), filepath.Join(dir, "finch.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to open stores: %v", err)
	}

	ledger := tombstone.NewLedger()
	journal := wal.New(filepath.Join(dir, "settings.wal"), wal.WithClock(clock.Now))

	cfg := Config{
		// Long enough that the debounce never fires during a test; saves
		// are driven explicitly.
		Debounce:     time.Hour,
		PollInterval: time.Hour,
		FamilyID:     "fam-1",
		FamilyName:   "Testers",
	}
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	sess := NewSession(stores, ledger, journal, cfg, opts...)

	t.Cleanup(func() {
		sess.Close()
		stores.Close()
	})
	return &device{stores: stores, ledger: ledger, journal: journal, sess: sess, dir: dir}
}

func (d *device) configure(t *testing.T, prov provider.Provider) *Result {
	t.Helper()
	res, err := d.sess.Configure(context.Background(), prov)
	if err != nil {
		t.Fatalf("failed to configure session: %v", err)
	}
	return res
}

func (d *device) addAccount(t *testing.T, name string, opening int64) model.Account {
	t.Helper()
	bal := decimal.NewFromInt(opening)
	acc, err := d.stores.Accounts.Create(context.Background(), model.Account{
		Name:           name,
		Type:           "checking",
		Currency:       "USD",
		OpeningBalance: bal,
		Balance:        bal,
	})
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return acc
}

func TestSecondDeviceLoadsExistingData(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)

	a := newDevice(t, clock)
	acc := a.addAccount(t, "Joint Checking", 500)
	a.configure(t, prov)

	clock.Advance(time.Minute)

	b := newDevice(t, clock)
	res := b.configure(t, prov)
	if !res.Imported {
		t.Fatal("expected second device to import the existing file")
	}

	got, ok := b.stores.Accounts.Get(acc.ID)
	if !ok {
		t.Fatalf("account %s missing on second device", acc.ID)
	}
	if got.Name != "Joint Checking" {
		t.Errorf("account name = %q, want %q", got.Name, "Joint Checking")
	}
	kind, highlighted := res.Highlights[model.TypeAccounts][acc.ID]
	if !highlighted || kind != highlight.KindNew {
		t.Errorf("expected account highlighted as new, got %v", res.Highlights)
	}
}

func TestDeletePropagates(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	acc := a.addAccount(t, "Old Savings", 100)
	a.configure(t, prov)

	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	clock.Advance(time.Minute)
	if _, err := a.stores.Accounts.Delete(ctx, acc.ID); err != nil {
		t.Fatalf("failed to delete account: %v", err)
	}
	if a.ledger.Len() != 1 {
		t.Fatalf("ledger len = %d, want 1", a.ledger.Len())
	}

	clock.Advance(time.Second)
	if err := a.sess.Save(ctx, false); err != nil {
		t.Fatalf("failed to save after delete: %v", err)
	}

	clock.Advance(time.Second)
	res, err := b.sess.PollForChanges(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res == nil || !res.Imported {
		t.Fatal("expected poll to import the deletion")
	}

	if _, ok := b.stores.Accounts.Get(acc.ID); ok {
		t.Error("deleted account still present on second device")
	}
	if b.ledger.Len() != 1 {
		t.Errorf("tombstone not carried to second device, ledger len = %d", b.ledger.Len())
	}
}

func TestSaveConflictThenMerge(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.configure(t, prov)
	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	clock.Advance(time.Minute)
	accA := a.addAccount(t, "From A", 10)
	clock.Advance(time.Second)
	if err := a.sess.Save(ctx, false); err != nil {
		t.Fatalf("device A save failed: %v", err)
	}

	clock.Advance(time.Second)
	accB := b.addAccount(t, "From B", 20)

	clock.Advance(time.Second)
	err := b.sess.Save(ctx, false)
	if !errors.Is(err, ErrSaveConflict) {
		t.Fatalf("save err = %v, want ErrSaveConflict", err)
	}

	// The conflicted device merges; its dirty local state republishes
	// automatically on top of the merge.
	clock.Advance(time.Second)
	if _, err := b.sess.LoadAndImport(ctx); err != nil {
		t.Fatalf("merge after conflict failed: %v", err)
	}

	f := prov.file(t, nil)
	ids := make(map[string]bool)
	for _, acc := range f.Data.Accounts {
		ids[acc.ID] = true
	}
	if !ids[accA.ID] || !ids[accB.ID] {
		t.Errorf("file missing a device's account, got ids %v", ids)
	}
}

func TestEditResurrectsDeletedRecord(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	acc := a.addAccount(t, "Disputed", 50)
	a.configure(t, prov)
	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	// A deletes, B edits later without having seen the deletion.
	clock.Advance(time.Minute)
	if _, err := a.stores.Accounts.Delete(ctx, acc.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := a.sess.Save(ctx, false); err != nil {
		t.Fatalf("save after delete failed: %v", err)
	}

	clock.Advance(time.Minute)
	if _, _, err := b.stores.Accounts.Update(ctx, acc.ID, func(a *model.Account) {
		a.Name = "Disputed (kept)"
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	clock.Advance(time.Second)
	if err := b.sess.Save(ctx, false); !errors.Is(err, ErrSaveConflict) {
		t.Fatalf("save err = %v, want ErrSaveConflict", err)
	}
	clock.Advance(time.Second)
	if _, err := b.sess.LoadAndImport(ctx); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	got, ok := b.stores.Accounts.Get(acc.ID)
	if !ok {
		t.Fatal("edited record lost to an older tombstone")
	}
	if got.Name != "Disputed (kept)" {
		t.Errorf("name = %q, want the resurrecting edit", got.Name)
	}
	if b.ledger.Len() != 0 {
		t.Errorf("resurrected record still has a tombstone, ledger len = %d", b.ledger.Len())
	}

	// The deleting device converges too.
	clock.Advance(time.Second)
	if _, err := a.sess.PollForChanges(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if _, ok := a.stores.Accounts.Get(acc.ID); !ok {
		t.Error("resurrection did not reach the deleting device")
	}
}

func TestSettingsJournalRecoveredAfterRestart(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.configure(t, prov)

	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	// B changes a setting; the journal captures it synchronously, but the
	// debounced save never runs before the "crash".
	clock.Advance(time.Minute)
	eur := "EUR"
	if _, err := b.stores.Settings.Apply(ctx, model.SettingsPatch{DisplayCurrency: &eur}); err != nil {
		t.Fatalf("settings apply failed: %v", err)
	}
	entry, err := b.journal.Read()
	if err != nil || entry == nil {
		t.Fatalf("journal entry missing after apply: %v", err)
	}
	b.sess.Close()
	b.stores.Close()

	// Restart on the same data directory. The journal entry is newer than
	// the remote file, so connect replays it and republishes.
	clock.Advance(time.Minute)
	b2 := newDeviceAt(t, clock, b.dir)
	res := b2.configure(t, prov)
	if !res.WALReplayed {
		t.Fatal("expected the settings journal to replay on reconnect")
	}

	f := prov.file(t, nil)
	if f.Data.Settings == nil || f.Data.Settings.DisplayCurrency != "EUR" {
		t.Errorf("recovered settings not in file: %+v", f.Data.Settings)
	}
}

func TestSupersededJournalEntryDoesNotResurrectSettings(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.configure(t, prov)
	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	// B journals a currency change, then A overrides it with a newer save
	// before B ever syncs again.
	clock.Advance(time.Minute)
	eur := "EUR"
	if _, err := b.stores.Settings.Apply(ctx, model.SettingsPatch{DisplayCurrency: &eur}); err != nil {
		t.Fatalf("settings apply failed: %v", err)
	}
	clock.Advance(time.Minute)
	usd := "USD"
	if _, err := a.stores.Settings.Apply(ctx, model.SettingsPatch{DisplayCurrency: &usd}); err != nil {
		t.Fatalf("settings apply failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := a.sess.Save(ctx, false); err != nil {
		t.Fatalf("device A save failed: %v", err)
	}
	b.sess.Close()
	b.stores.Close()

	// B restarts. The file is newer than its journal entry, so the entry no
	// longer applies and must be cleared, not left to merge into the next
	// append.
	clock.Advance(time.Minute)
	b2 := newDeviceAt(t, clock, b.dir)
	b2.configure(t, prov)
	if entry, err := b2.journal.Read(); err != nil || entry != nil {
		t.Fatalf("superseded journal entry survived reconnect: (%+v, %v)", entry, err)
	}

	// B journals an unrelated change and crashes again. The replay must
	// carry only that change; the overridden currency stays overridden.
	clock.Advance(time.Minute)
	fr := "fr"
	if _, err := b2.stores.Settings.Apply(ctx, model.SettingsPatch{Locale: &fr}); err != nil {
		t.Fatalf("settings apply failed: %v", err)
	}
	b2.sess.Close()
	b2.stores.Close()

	clock.Advance(time.Minute)
	b3 := newDeviceAt(t, clock, b.dir)
	res := b3.configure(t, prov)
	if !res.WALReplayed {
		t.Fatal("expected the locale journal entry to replay on reconnect")
	}

	f := prov.file(t, nil)
	if f.Data.Settings == nil {
		t.Fatal("settings missing from file")
	}
	if f.Data.Settings.DisplayCurrency != "USD" {
		t.Errorf("currency = %q, want the override to stick", f.Data.Settings.DisplayCurrency)
	}
	if f.Data.Settings.Locale != "fr" {
		t.Errorf("locale = %q, want the journaled change", f.Data.Settings.Locale)
	}
}

func TestReloadDoesNotMarkDirty(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.addAccount(t, "Stable", 10)
	a.configure(t, prov)
	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	// A force-rewrites an identical dataset with a fresh exportedAt.
	clock.Advance(time.Minute)
	if err := a.sess.Save(ctx, true); err != nil {
		t.Fatalf("forced save failed: %v", err)
	}

	clock.Advance(time.Second)
	writesBefore := prov.writeCount()
	res, err := b.sess.PollForChanges(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if res == nil || !res.Imported {
		t.Fatal("expected the rewritten file to import")
	}

	// Reloading identical content must neither mark the session dirty nor
	// write the file back, or idle devices would ping-pong forever.
	b.sess.mu.Lock()
	dirty := b.sess.dirty
	b.sess.mu.Unlock()
	if dirty {
		t.Error("reload marked the session dirty")
	}
	if prov.writeCount() != writesBefore {
		t.Errorf("reload republished an unchanged dataset (%d -> %d writes)", writesBefore, prov.writeCount())
	}
}

func TestPollSkipsWhileBusy(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.configure(t, prov)

	a.sess.pollBusy.Store(true)
	probesBefore := prov.probes
	res, err := a.sess.PollForChanges(ctx)
	if err != nil || res != nil {
		t.Fatalf("busy poll = (%v, %v), want (nil, nil)", res, err)
	}
	if prov.probes != probesBefore {
		t.Error("suppressed poll still probed the provider")
	}

	a.sess.pollBusy.Store(false)
	if _, err := a.sess.PollForChanges(ctx); err != nil {
		t.Fatalf("poll after release failed: %v", err)
	}
}

func TestEncryptedFileNeedsPassword(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	secret := codec.PasswordSecret("hunter2")
	a := newDevice(t, clock, WithSecret(secret))
	acc := a.addAccount(t, "Vault", 900)
	a.configure(t, prov)

	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	res := b.configure(t, prov)
	if !res.NeedsPassword {
		t.Fatal("expected NeedsPassword for an encrypted file")
	}
	if _, ok := b.stores.Accounts.Get(acc.ID); ok {
		t.Fatal("encrypted data imported without a credential")
	}

	if _, err := b.sess.ProvidePassword(ctx, codec.PasswordSecret("wrong")); !errors.Is(err, codec.ErrBadCredential) {
		t.Fatalf("wrong password err = %v, want ErrBadCredential", err)
	}

	// The document was retained; the right password completes the load
	// without re-reading the file.
	res2, err := b.sess.ProvidePassword(ctx, secret)
	if err != nil {
		t.Fatalf("correct password failed: %v", err)
	}
	if !res2.Imported {
		t.Fatal("expected import after unlocking")
	}
	if _, ok := b.stores.Accounts.Get(acc.ID); !ok {
		t.Error("decrypted record missing")
	}

	f := prov.file(t, secret)
	if !f.Encrypted {
		t.Error("file lost its encryption after the second device synced")
	}
}

func TestRepeatedImportIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)
	ctx := context.Background()

	a := newDevice(t, clock)
	a.addAccount(t, "Once", 1)
	a.configure(t, prov)
	clock.Advance(time.Minute)
	b := newDevice(t, clock)
	b.configure(t, prov)

	writes := prov.writeCount()
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if _, err := b.sess.LoadAndImport(ctx); err != nil {
			t.Fatalf("re-import %d failed: %v", i, err)
		}
	}
	if prov.writeCount() != writes {
		t.Errorf("idempotent re-imports wrote the file (%d -> %d)", writes, prov.writeCount())
	}
	if got := len(b.stores.Accounts.All()); got != 1 {
		t.Errorf("accounts duplicated across re-imports: %d", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	clock := newFakeClock()
	prov := newMemProvider(clock)

	a := newDevice(t, clock)
	if st, _ := a.sess.Status(); st != StatusNotConfigured {
		t.Fatalf("initial status = %s", st)
	}

	var seen []Status
	var mu sync.Mutex
	unregister := a.sess.OnStatusChange(func(st Status, _ string) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer unregister()

	a.configure(t, prov)
	if st, _ := a.sess.Status(); st != StatusReady {
		t.Fatalf("status after configure = %s", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != StatusConnecting {
		t.Errorf("transitions = %v, want connecting first", seen)
	}
	if seen[len(seen)-1] != StatusReady {
		t.Errorf("transitions = %v, want ready last", seen)
	}
}
