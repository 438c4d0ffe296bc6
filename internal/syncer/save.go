package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/provider"
)

// NotifyChange marks the dataset dirty and (re)arms the debounce timer.
// Every local mutation lands here via the store change hook; a burst of
// edits collapses into one save once the quiet period elapses. Changes
// made while a merge reload repopulates the stores are ignored: they are
// the reload itself, not user edits.
func (s *Session) NotifyChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reloading {
		return
	}
	s.dirty = true
	if s.prov == nil {
		return
	}
	if s.saveTimer == nil {
		s.saveTimer = time.AfterFunc(s.cfg.Debounce, s.debouncedSave)
	} else {
		s.saveTimer.Reset(s.cfg.Debounce)
	}
}

// debouncedSave runs on the timer goroutine once edits quiet down. A
// conflict is not an error here: the other device's file is loaded and
// merged, after which the still-dirty local state saves on top of the
// merged watermark.
func (s *Session) debouncedSave() {
	ctx := context.Background()

	err := s.Save(ctx, false)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSaveConflict) {
		s.logger.Printf("remote file changed since last sync, merging before save")
		if _, lerr := s.LoadAndImport(ctx); lerr != nil {
			s.logger.Printf("merge before save failed: %v", lerr)
			return
		}
		if serr := s.Save(ctx, false); serr != nil {
			s.logger.Printf("save after merge failed: %v", serr)
		}
		return
	}
	s.logger.Printf("debounced save failed: %v", err)
}

// FlushPendingSave cancels the debounce timer and saves immediately if
// anything is dirty. Used on shutdown and before switching providers.
func (s *Session) FlushPendingSave(ctx context.Context) error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return s.Save(ctx, false)
}

// Save serializes the full dataset (records, tombstones, settings) and
// writes it to the provider. Unless force is set, the write is refused
// with ErrSaveConflict when the remote file changed since this session
// last wrote or merged it; the caller then loads, merges, and retries.
// Force is for explicit user intent and the initial save after connect.
func (s *Session) Save(ctx context.Context, force bool) error {
	s.mu.Lock()
	err := s.saveLocked(ctx, force)
	notify := s.drainNotifyLocked()
	s.mu.Unlock()
	notify()
	return err
}

func (s *Session) saveLocked(ctx context.Context, force bool) error {
	prov, err := s.providerLocked()
	if err != nil {
		return err
	}

	s.queueStatusLocked(StatusSyncing, "saving changes")

	if !force {
		if err := s.checkConflictLocked(ctx, prov); err != nil {
			status, msg := describeErr(err)
			s.queueStatusLocked(status, msg)
			return err
		}
	}

	ds := s.stores.Dataset()
	ds.Deletions = s.ledger.All()
	ds.SortStable()

	payload, exportedAt, err := codec.Encode(ds, codec.EncodeOptions{
		FamilyID:   s.cfg.FamilyID,
		FamilyName: s.cfg.FamilyName,
		Secret:     s.secret,
		Now:        s.clock(),
	})
	if err != nil {
		s.queueStatusLocked(describeErr(err))
		return err
	}

	if err := prov.Write(ctx, payload); err != nil {
		err = fmt.Errorf("failed to write sync file: %w", err)
		s.queueStatusLocked(describeErr(err))
		return err
	}

	s.watermark = exportedAt
	s.refreshRemoteModLocked(ctx, prov)
	s.dirty = false

	// The journaled settings patches are now in the durable file.
	if err := s.journal.Clear(); err != nil {
		s.logger.Printf("settings journal clear failed: %v", err)
	}

	s.queueStatusLocked(StatusReady, "")
	return nil
}

// checkConflictLocked compares the provider's last-modified time against
// the one recorded after this session's previous write or merge. A
// missing file is not a conflict: the save simply recreates it.
func (s *Session) checkConflictLocked(ctx context.Context, prov provider.Provider) error {
	mod, err := prov.LastModified(ctx)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check sync file freshness: %w", err)
	case !s.remoteMod.IsZero() && mod.After(s.remoteMod):
		return ErrSaveConflict
	case s.remoteMod.IsZero():
		// Never synced against this file. An existing remote file must be
		// merged, not clobbered.
		return ErrSaveConflict
	}
	return nil
}

// refreshRemoteModLocked re-reads the provider mtime so the next
// conflict check compares against what this session just produced.
func (s *Session) refreshRemoteModLocked(ctx context.Context, prov provider.Provider) {
	mod, err := prov.LastModified(ctx)
	if err != nil {
		s.logger.Printf("could not record sync file mtime: %v", err)
		return
	}
	s.remoteMod = mod
}
