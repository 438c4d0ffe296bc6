package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/finchley/finch/internal/codec"
	"github.com/finchley/finch/internal/merge"
)

var syncForce bool

var connectCmd = &cobra.Command{
	Use:     "connect",
	GroupID: "sync",
	Short:   "Bind the configured sync file and run the first sync",
	Long: `Connect to the sync file named in the config (a local path or a drive
URL). An existing file is merged into this device's data before anything
is written; a missing file is created from local state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.connect(ctx)
		if err != nil {
			return err
		}
		printImportResult(res)
		fmt.Println("Connected.")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync now: pull external changes, then push local ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.connect(ctx)
		if err != nil {
			return err
		}
		printImportResult(res)

		if syncForce {
			if err := a.sess.Save(ctx, true); err != nil {
				return err
			}
			fmt.Println("Forced save complete.")
			return nil
		}
		if err := a.sess.FlushPendingSave(ctx); err != nil {
			return err
		}
		fmt.Println("In sync.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state and local data counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.connect(ctx)
		if err != nil {
			return err
		}
		printImportResult(res)

		st, msg := a.sess.Status()
		fmt.Printf("Status:      %s\n", st)
		if msg != "" {
			fmt.Printf("Note:        %s\n", msg)
		}
		if wm := a.sess.Watermark(); !wm.IsZero() {
			fmt.Printf("Last sync:   %s\n", wm.Local().Format("2006-01-02 15:04:05"))
		}

		ds := a.stores.Dataset()
		fmt.Printf("Records:     %d\n", ds.Count())
		fmt.Printf("Accounts:    %d\n", len(ds.Accounts))
		fmt.Printf("Deletions:   %d pending tombstone(s)\n", a.ledger.Len())
		return nil
	},
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Write the full dataset to a file, without syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ds := a.stores.Dataset()
		ds.Deletions = a.ledger.All()
		ds.SortStable()

		payload, _, err := codec.Encode(ds, codec.EncodeOptions{
			FamilyID:   a.cfg.FamilyID,
			FamilyName: a.cfg.FamilyName,
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(exportOut, payload, 0600); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Printf("Exported %d record(s) to %s\n", ds.Count(), exportOut)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "sync",
	Short:   "Merge a sync file into local data, without touching the remote",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		f, err := codec.Decode(raw)
		if err != nil {
			return err
		}
		if f.NeedsPassword() {
			if err := decryptWithPrompt(f); err != nil {
				return err
			}
		}
		return a.importFile(ctx, f)
	},
}

func decryptWithPrompt(f *codec.File) error {
	for attempt := 0; attempt < 3; attempt++ {
		secret, err := promptPassword("File password: ")
		if err != nil {
			return err
		}
		err = f.Decrypt(secret)
		if err == nil {
			return nil
		}
		fmt.Fprintln(os.Stderr, "Wrong password, try again.")
	}
	return fmt.Errorf("giving up after three wrong passwords")
}

// importFile merges an out-of-band file into local state, the same merge
// the sync path runs, but with no remote write.
func (a *app) importFile(ctx context.Context, f *codec.File) error {
	local := merge.Snapshot{Data: a.stores.Dataset(), Tombstones: a.ledger.All()}
	remote := merge.Snapshot{Data: f.Data, Tombstones: f.Data.Deletions}

	merged, tombs, stats := merge.Merge(local, remote)
	merge.Reconcile(merged)

	if err := a.stores.ReplaceDataset(ctx, merged); err != nil {
		return fmt.Errorf("failed to apply import: %w", err)
	}
	a.ledger.ReplaceAll(tombs)

	fmt.Printf("Imported: %d kept, %d deleted, %d resurrected\n",
		stats.Kept, stats.Deleted, stats.Resurrected)
	return nil
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "overwrite the remote file even if it changed elsewhere")
	exportCmd.Flags().StringVar(&exportOut, "out", "finch-export.json", "output file path")

	rootCmd.AddCommand(connectCmd, syncCmd, statusCmd, exportCmd, importCmd)
}
