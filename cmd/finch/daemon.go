package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finchley/finch/internal/dashboard"
	"github.com/finchley/finch/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run in the background: poll for changes and save local edits",
	Long: `Run the sync loop until interrupted. External changes to the sync file
are polled (and watched, for local files) and merged in; local edits made
through other finch invocations land on the next poll of their save.

With a dashboard address configured, a WebSocket feed of sync activity is
served for status UIs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

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

		if a.cfg.Dashboard != "" {
			dash := dashboard.NewServer(a.cfg.Dashboard, a.logger)
			if err := dash.Start(); err != nil {
				return err
			}
			defer func() {
				if err := dash.Stop(); err != nil {
					a.logger.Printf("dashboard stop failed: %v", err)
				}
			}()

			detach := dash.Attach(a.sess)
			defer detach()

			// Imports surface as syncing -> ready transitions; forward
			// whatever the highlight window holds at that point.
			undo := a.sess.OnStatusChange(func(st syncer.Status, _ string) {
				if st != syncer.StatusReady {
					return
				}
				if hl := a.sess.Highlights(); hl.Count() > 0 {
					dash.BroadcastImport(hl)
				}
			})
			defer undo()

			fmt.Printf("Dashboard on http://%s\n", dash.Addr())
		}

		a.sess.StartPolling(ctx)
		fmt.Println("Syncing. Press Ctrl-C to stop.")

		<-ctx.Done()

		// Flush with a fresh context: the signal context is already done.
		if err := a.sess.FlushPendingSave(cmd.Context()); err != nil {
			a.logger.Printf("final save failed: %v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
