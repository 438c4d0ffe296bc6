package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/merge"
	"github.com/finchley/finch/internal/model"
	"github.com/finchley/finch/internal/provider"
)

// ErrNoPendingFile is returned by ProvidePassword when no encrypted
// document is waiting for a credential.
var ErrNoPendingFile = errors.New("no sync file awaiting a password")

// Configure binds the session to a storage provider and performs the
// first sync. An existing non-empty remote file is loaded and merged
// before anything is written, so connecting a second device never
// clobbers the family's data; a missing or empty file is seeded with
// this device's current state.
func (s *Session) Configure(ctx context.Context, prov provider.Provider) (*Result, error) {
	s.mu.Lock()
	s.prov = prov
	s.remoteMod = time.Time{}
	s.watermark = time.Time{}
	s.queueStatusLocked(StatusConnecting, "connecting to "+prov.DisplayName())

	res := &Result{}
	err := s.loadLocked(ctx, res, true)
	notify := s.drainNotifyLocked()
	s.mu.Unlock()
	notify()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LoadAndImport reads the remote file, merges it with local state, and
// reloads the stores with the result. It is the reaction to an external
// change (poll hit, file-picker re-open, save conflict). A pending
// debounced save is cancelled first; local dirtiness survives the merge
// and is republished afterwards.
func (s *Session) LoadAndImport(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	res := &Result{}
	err := s.loadLocked(ctx, res, false)
	notify := s.drainNotifyLocked()
	s.mu.Unlock()
	notify()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ProvidePassword decrypts the document retained by an earlier load that
// reported NeedsPassword, then finishes that load. The raw file is not
// re-read. A wrong password returns codec.ErrBadCredential and keeps the
// document for another attempt.
func (s *Session) ProvidePassword(ctx context.Context, secret *codec.Secret) (*Result, error) {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return nil, ErrNoPendingFile
	}
	if err := s.pending.Decrypt(secret); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	f := s.pending
	s.pending = nil
	s.secret = secret

	res := &Result{}
	err := s.completeLoadLocked(ctx, f, res)
	notify := s.drainNotifyLocked()
	s.mu.Unlock()
	notify()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// loadLocked reads and decodes the remote file and hands off to
// completeLoadLocked. initial marks the connect-time load, where a
// missing file is seeded rather than reported.
func (s *Session) loadLocked(ctx context.Context, res *Result, initial bool) error {
	prov, err := s.providerLocked()
	if err != nil {
		return err
	}

	s.queueStatusLocked(StatusSyncing, "loading sync file")

	raw, err := prov.Read(ctx)
	if errors.Is(err, provider.ErrNotFound) {
		if initial {
			return s.saveLocked(ctx, true)
		}
		// The file vanished between the change signal and the read. Keep
		// local state; the next save recreates the file.
		s.queueStatusLocked(StatusReady, "")
		return nil
	}
	if err != nil {
		s.queueStatusLocked(describeErr(err))
		return fmt.Errorf("failed to read sync file: %w", err)
	}

	f, err := codec.Decode(raw)
	if err != nil {
		s.queueStatusLocked(describeErr(err))
		return err
	}

	if f.Encrypted && f.Data == nil {
		if s.secret != nil {
			if err := f.Decrypt(s.secret); err != nil {
				s.queueStatusLocked(describeErr(err))
				return err
			}
		} else {
			s.pending = f
			res.NeedsPassword = true
			s.queueStatusLocked(StatusReady, "sync file is password-protected; unlock to merge")
			return nil
		}
	}

	return s.completeLoadLocked(ctx, f, res)
}

// completeLoadLocked finishes a load once the dataset is available. An
// empty remote keeps local state and seeds the file with it; anything
// else merges, reloads the stores, replays the settings journal, and
// republishes when the merge produced something the file lacks.
func (s *Session) completeLoadLocked(ctx context.Context, f *codec.File, res *Result) error {
	if f.Data.IsEmpty() {
		replayed, err := s.replayJournalLocked(ctx, f)
		if err != nil {
			s.logger.Printf("settings journal replay failed: %v", err)
		}
		res.WALReplayed = replayed

		// Seed the empty file with local state when there is any;
		// otherwise just adopt its watermark so later saves pass the
		// freshness check without a pointless rewrite.
		if replayed || s.dirty || !s.stores.Dataset().IsEmpty() || s.ledger.Len() > 0 {
			return s.saveLocked(ctx, true)
		}
		s.watermark = f.ExportedAt
		s.refreshRemoteModLocked(ctx, s.prov)
		s.queueStatusLocked(StatusReady, "")
		return nil
	}

	local := merge.Snapshot{Data: s.stores.Dataset(), Tombstones: s.ledger.All()}
	remote := merge.Snapshot{Data: f.Data, Tombstones: f.Data.Deletions}

	merged, tombs, stats := merge.Merge(local, remote)
	merge.Reconcile(merged)

	// Snapshot pre-reload timestamps so the highlight layer can tell
	// which records this import added or changed.
	s.highlights.SnapshotBeforeReload(local.Data)

	s.reloading = true
	err := s.stores.ReplaceDataset(ctx, merged)
	s.reloading = false
	if err != nil {
		s.queueStatusLocked(describeErr(err))
		return fmt.Errorf("failed to reload stores after merge: %w", err)
	}
	s.ledger.ReplaceAll(tombs)
	s.watermark = f.ExportedAt
	s.refreshRemoteModLocked(ctx, s.prov)

	res.Imported = true
	res.Highlights = s.highlights.DetectChanges(merged)
	s.logger.Printf("merged sync file: %d kept, %d deleted, %d resurrected",
		stats.Kept, stats.Deleted, stats.Resurrected)

	replayed, err := s.replayJournalLocked(ctx, f)
	if err != nil {
		s.logger.Printf("settings journal replay failed: %v", err)
	}
	res.WALReplayed = replayed

	// Republish only when this device holds something the file does not,
	// otherwise two idle devices would ping-pong saves at each other.
	if s.dirty || replayed || !datasetMatchesFile(merged, tombs, f.Data) {
		s.dirty = true
		return s.saveLocked(ctx, false)
	}

	s.queueStatusLocked(StatusReady, "")
	return nil
}

// replayJournalLocked overlays a journaled settings patch that is newer
// than the loaded file, recovering a mutation whose debounced save never
// ran. An entry the file has superseded (or that went stale) is cleared
// on the spot: Append merges into whatever entry exists, so a leftover
// one would smuggle its overridden fields into the next replay.
func (s *Session) replayJournalLocked(ctx context.Context, f *codec.File) (bool, error) {
	entry, err := s.journal.Read()
	if err != nil || entry == nil {
		return false, err
	}
	if !s.journal.ShouldReplay(entry, f.ExportedAt) {
		return false, s.journal.Clear()
	}

	st := s.stores.Settings.Get()
	if st == nil {
		st = model.DefaultSettings(entry.Timestamp)
	}
	entry.Patch.Apply(st, entry.Timestamp)
	if err := s.stores.Settings.Replace(ctx, st); err != nil {
		return false, err
	}
	s.logger.Printf("recovered unsaved settings from journal (%s)", entry.Timestamp.Format("15:04:05"))
	return true, nil
}

// datasetMatchesFile reports whether the merge outcome is byte-for-byte
// what the remote file already holds, in which case there is nothing to
// republish.
func datasetMatchesFile(merged *model.Dataset, tombs []model.Tombstone, remote *model.Dataset) bool {
	m := *merged
	m.Deletions = tombs
	m.Normalize()
	m.SortStable()

	r := *remote
	r.Normalize()
	r.SortStable()

	mb, err := json.Marshal(&m)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(&r)
	if err != nil {
		return false
	}
	return bytes.Equal(mb, rb)
}
