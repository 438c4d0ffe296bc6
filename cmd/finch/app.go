package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/config"
	"github.com/finchley/finch/internal/provider"
	"github.com/finchley/finch/internal/store"
	"github.com/finchley/finch/internal/syncer"
	"github.com/finchley/finch/internal/tombstone"
	"github.com/finchley/finch/internal/wal"
)

// app bundles everything a command needs: config, the local stores, and
// the sync session.
type app struct {
	cfg     *config.Config
	stores  *store.Stores
	ledger  *tombstone.Ledger
	journal *wal.Journal
	sess    *syncer.Session
	logger  *log.Logger

	logCloser io.Closer
}

// openApp loads configuration and opens the local state. The sync
// session is created but not yet bound to a provider; commands that sync
// call connect.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &app{cfg: cfg}
	a.logger = a.newLogger()

	a.stores, err = store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	if a.ledger, err = tombstone.Open(cfg.TombstonePath()); err != nil {
		_ = a.stores.Close()
		return nil, err
	}
	a.journal = wal.New(cfg.JournalPath(), wal.WithStaleness(cfg.JournalStaleness))
	a.sess = syncer.NewSession(a.stores, a.ledger, a.journal, syncer.Config{
		Debounce:     cfg.SaveDebounce,
		PollInterval: cfg.PollInterval,
		FamilyID:     cfg.FamilyID,
		FamilyName:   cfg.FamilyName,
	},
		syncer.WithLogger(a.logger),
		syncer.WithHighlightTTL(cfg.HighlightTTL),
	)
	return a, nil
}

func (a *app) newLogger() *log.Logger {
	if a.cfg.LogFile == "" {
		return log.New(os.Stderr, "[finch] ", log.LstdFlags)
	}
	rotator := &lumberjack.Logger{
		Filename:   a.cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	a.logCloser = rotator
	return log.New(rotator, "[finch] ", log.LstdFlags)
}

func (a *app) Close() {
	a.sess.Close()
	if err := a.stores.Close(); err != nil {
		a.logger.Printf("failed to close database: %v", err)
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// connect binds the configured provider and runs the initial sync,
// prompting for the file password when the remote is encrypted.
func (a *app) connect(ctx context.Context) (*syncer.Result, error) {
	prov, err := provider.New(a.cfg.Provider)
	if err != nil {
		return nil, err
	}

	res, err := a.sess.Configure(ctx, prov)
	if err != nil {
		return nil, err
	}
	if !res.NeedsPassword {
		return res, nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		secret, err := promptPassword("Sync file password: ")
		if err != nil {
			return nil, err
		}
		res, err = a.sess.ProvidePassword(ctx, secret)
		if errors.Is(err, codec.ErrBadCredential) {
			fmt.Fprintln(os.Stderr, "Wrong password, try again.")
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("giving up after three wrong passwords")
}

func promptPassword(prompt string) (*codec.Secret, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return codec.PasswordSecret(string(raw)), nil
}

func printImportResult(res *syncer.Result) {
	if res == nil || !res.Imported {
		return
	}
	if n := res.Highlights.Count(); n > 0 {
		fmt.Printf("Imported %d changed record(s) from the sync file.\n", n)
	} else {
		fmt.Println("Sync file imported, no record changes.")
	}
	if res.WALReplayed {
		fmt.Println("Recovered unsaved settings from the local journal.")
	}
}
