package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finchley/finch/internal/highlight"
	"github.com/finchley/finch/internal/provider"
)

// PollForChanges probes the provider's last-modified time and loads the
// file when it moved past what this session last wrote or merged. The
// probe is metadata-only; the file body is read only on a hit. Ticks are
// reentrancy-suppressed: while a previous poll (or the import it
// triggered) is still running, the call is a no-op.
func (s *Session) PollForChanges(ctx context.Context) (*Result, error) {
	if !s.pollBusy.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer s.pollBusy.Store(false)

	s.mu.Lock()
	prov := s.prov
	last := s.remoteMod
	closed := s.closed
	s.mu.Unlock()
	if closed || prov == nil {
		return nil, nil
	}

	mod, err := prov.LastModified(ctx)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		// Nothing to pull; the next save recreates the file.
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to probe sync file: %w", err)
	case !mod.After(last):
		return nil, nil
	}

	s.logger.Printf("sync file changed externally (%s), importing", mod.Format(time.RFC3339))
	return s.LoadAndImport(ctx)
}

// StartPolling launches the background poll loop at the configured
// interval. Providers that can push change hints (the local-file watcher
// does) also wake the loop between ticks. Close stops the loop; an
// in-flight tick is left to finish.
func (s *Session) StartPolling(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.pollStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	prov := s.prov
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	var hints <-chan struct{}
	if notifier, ok := prov.(provider.ChangeNotifier); ok {
		ch, err := notifier.Changes(ctx)
		if err != nil {
			s.logger.Printf("change watcher unavailable, polling only: %v", err)
		} else {
			hints = ch
		}
	}

	s.pollWG.Add(1)
	go func() {
		defer s.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case _, ok := <-hints:
				if !ok {
					hints = nil
					continue
				}
			}
			if _, err := s.PollForChanges(ctx); err != nil {
				s.logger.Printf("poll failed: %v", err)
			}
		}
	}()
}

// Highlights returns the records the most recent import added or
// changed, or nil once the attention window has lapsed.
func (s *Session) Highlights() highlight.Changes {
	return s.highlights.Active()
}
