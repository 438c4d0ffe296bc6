// Package syncer orchestrates the sync file's lifecycle: initial
// connect, debounced save-on-change, periodic polling for external
// changes, conflict detection, merge, and post-reload recovery.
//
// There is no server and no lock over the shared file. Concurrency
// control across devices is conflict resolution (the merge package);
// within one process, a session mutex makes save and load/merge mutually
// exclusive, and an explicit reload guard keeps the save debouncer from
// capturing a half-repopulated store state.
//
// All session state (credential, watermark, timers, listeners) lives on
// the Session value; nothing is package-global, so tests can run many
// sessions side by side.
package syncer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/highlight"
	"github.com/finchley/finch/internal/model"
	"github.com/finchley/finch/internal/provider"
	"github.com/finchley/finch/internal/store"
	"github.com/finchley/finch/internal/tombstone"
	"github.com/finchley/finch/internal/wal"
)

// Status is the user-visible sync state.
type Status string

const (
	StatusNotConfigured   Status = "not-configured"
	StatusConnecting      Status = "connecting"
	StatusReady           Status = "ready"
	StatusSyncing         Status = "syncing"
	StatusNeedsPermission Status = "needs-permission"
	StatusError           Status = "error"
)

// ErrSaveConflict signals that the remote file changed since this
// session last wrote or merged it. Not a failure: the caller decides
// between loading-then-retrying and forcing the overwrite.
var ErrSaveConflict = errors.New("remote file is newer than last sync")

// ErrNotConfigured is returned by operations that need a bound provider.
var ErrNotConfigured = errors.New("no storage provider configured")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("sync session is closed")

// Config carries the product-tunable sync constants. Zero values fall
// back to the defaults.
type Config struct {
	// Debounce is the quiet period after a local mutation before the
	// full-file save runs.
	Debounce time.Duration

	// PollInterval is how often the remote file's last-modified time is
	// probed for external changes.
	PollInterval time.Duration

	// FamilyID and FamilyName identify the shared dataset in the file
	// envelope.
	FamilyID   string
	FamilyName string
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Debounce:     2 * time.Second,
		PollInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// StatusListener observes status transitions.
type StatusListener func(status Status, message string)

// Result reports what a load/import accomplished.
type Result struct {
	// NeedsPassword is set when the remote file is encrypted and the
	// session holds no credential yet. The raw document is retained;
	// call ProvidePassword to continue without re-reading the file.
	NeedsPassword bool

	// Imported is set when a merge ran and the stores were reloaded.
	Imported bool

	// Highlights are the records the reload added or changed.
	Highlights highlight.Changes

	// WALReplayed is set when journaled settings were recovered on top
	// of the loaded file.
	WALReplayed bool
}

// Session owns one device's sync lifecycle against one sync file.
type Session struct {
	mu sync.Mutex

	stores     *store.Stores
	ledger     *tombstone.Ledger
	journal    *wal.Journal
	highlights *highlight.Tracker
	cfg        Config
	clock      func() time.Time
	logger     *log.Logger

	prov   provider.Provider
	secret *codec.Secret

	// watermark is the exportedAt of the last file this session wrote or
	// merged; remoteMod is the provider mtime observed right after.
	watermark time.Time
	remoteMod time.Time

	// pending holds an encrypted document awaiting a credential.
	pending *codec.File

	status    Status
	statusMsg string

	dirty     bool
	saveTimer *time.Timer
	reloading bool
	closed    bool

	pollBusy atomic.Bool
	pollStop chan struct{}
	pollWG   sync.WaitGroup

	listeners    map[int]StatusListener
	nextListener int
	notifyQueue  []func()
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Nil keeps the stderr default.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithSecret seeds the encryption credential, e.g. a hardware-bound key
// unwrapped at unlock time.
func WithSecret(secret *codec.Secret) Option {
	return func(s *Session) { s.secret = secret }
}

// WithHighlightTTL overrides how long imported changes stay highlighted.
func WithHighlightTTL(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.highlights = highlight.NewTracker(highlight.WithTTL(d))
		}
	}
}

// NewSession wires a session over the given stores, tombstone ledger,
// and settings journal. The session registers itself as the stores'
// change observer; local mutations from then on schedule debounced
// saves, and deletions record tombstones.
func NewSession(stores *store.Stores, ledger *tombstone.Ledger, journal *wal.Journal, cfg Config, opts ...Option) *Session {
	s := &Session{
		stores:     stores,
		ledger:     ledger,
		journal:    journal,
		highlights: highlight.NewTracker(),
		cfg:        cfg.withDefaults(),
		clock:      time.Now,
		logger:     log.New(os.Stderr, "[sync] ", log.LstdFlags),
		status:     StatusNotConfigured,
		listeners:  make(map[int]StatusListener),
	}
	for _, opt := range opts {
		opt(s)
	}

	stores.SetDeleteHook(func(et model.EntityType, id string, deletedAt time.Time) {
		s.ledger.Record(et, id, deletedAt)
	})
	stores.SetChangeHook(func(model.EntityType) { s.NotifyChange() })
	stores.Settings.SetPatchHook(func(patch model.SettingsPatch, at time.Time) {
		if err := s.journal.Append(patch, at); err != nil {
			s.logger.Printf("settings journal append failed: %v", err)
		}
	})
	return s
}

// Status returns the current status and its user-facing message.
func (s *Session) Status() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statusMsg
}

// Watermark returns the exportedAt of the last file this session wrote
// or merged.
func (s *Session) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// SetSecret stores the encryption credential for subsequent saves.
func (s *Session) SetSecret(secret *codec.Secret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret
}

// OnStatusChange registers a listener and returns its unregister
// function. Listeners fire outside the session lock.
func (s *Session) OnStatusChange(fn StatusListener) (unregister func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// setStatusLocked updates the status and schedules listener
// notification. Callers must hold s.mu; listeners run after it is
// released via the returned func.
func (s *Session) setStatusLocked(status Status, msg string) func() {
	if s.status == status && s.statusMsg == msg {
		return func() {}
	}
	s.status = status
	s.statusMsg = msg

	fns := make([]StatusListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(status, msg)
		}
	}
}

// queueStatusLocked records a status transition while s.mu is held.
// Listener callbacks are deferred to drainNotifyLocked so they never run
// under the session lock.
func (s *Session) queueStatusLocked(status Status, msg string) {
	s.notifyQueue = append(s.notifyQueue, s.setStatusLocked(status, msg))
}

func (s *Session) drainNotifyLocked() func() {
	q := s.notifyQueue
	s.notifyQueue = nil
	return func() {
		for _, fn := range q {
			fn()
		}
	}
}

// Close tears the session down: the poll loop stops (an in-flight tick
// is allowed to finish), the save debouncer is cancelled, and further
// change notifications are ignored. Pending changes are not flushed;
// call FlushPendingSave first when that matters (e.g. sign-out).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	stop := s.pollStop
	s.pollStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.pollWG.Wait()
}

func (s *Session) providerLocked() (provider.Provider, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.prov == nil {
		return nil, ErrNotConfigured
	}
	return s.prov, nil
}

// describeErr maps an error to the status it implies plus an actionable
// message, per the error taxonomy: permission problems are recoverable
// and re-promptable, credential mismatches must not read as corruption,
// format failures need user intervention, everything else is transient.
func describeErr(err error) (Status, string) {
	switch {
	case errors.Is(err, provider.ErrPermission):
		return StatusNeedsPermission, "access to the sync file was denied; reconnect to grant it again"
	case errors.Is(err, codec.ErrBadCredential):
		return StatusReady, "the sync file could not be unlocked; enter the password again"
	case errors.Is(err, codec.ErrInvalidFormat):
		return StatusError, "the sync file is damaged or not a finch sync file; re-pick the file"
	case errors.Is(err, ErrSaveConflict):
		return StatusReady, "another device saved newer changes; sync now to merge them"
	default:
		return StatusReady, fmt.Sprintf("sync hiccup: %v", err)
	}
}
