// finch is a file-based family finance sync tool: local edits land in an
// embedded database and are merged through a single shared sync file,
// with no server in between.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "finch",
	Short:   "Offline-first family finance data with file-based sync",
	Version: version,
	Long: `finch keeps a family's finance records on each device and syncs them
through one shared file (a local path, a synced folder, or a drive URL).

Devices merge record-by-record: the newest edit wins, deletions carry
tombstones so they propagate, and a newer edit resurrects a record
deleted elsewhere. No server, no account, no lock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search finch/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
