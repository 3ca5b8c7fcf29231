// Package main implements the cellsync CLI: the daemon that keeps a
// spreadsheet client in sync with a financial-modeling service, and the
// client commands that talk to it.
//
// # Overview
//
// The daemon owns one sync engine. It persists pending operations, linked
// cells and cached values in SQLite, talks to the service over REST and a
// WebSocket live channel, replays queued edits when the channel comes back
// and serves a local Unix socket API.
//
// # Commands
//
//   - run: start the daemon
//   - status: show daemon status
//   - fetch: read one model value through the daemon's cache
//   - push: record a local cell edit
//   - sync: replay the pending queue now
//   - links: list linked cells
//   - version: show version information
//
// # Graceful Shutdown
//
// The daemon stops on SIGINT or SIGTERM. Shutdown is bounded by a 10 second
// timeout. Pending operations stay in the store and are replayed on the next
// start.
//
// # Example Usage
//
//	# Start the daemon
//	cellsync run --server https://models.example.com --token-file ~/.cellsync-token
//
//	# Edit a cell from a script
//	cellsync push Sheet1!B2 1250.5
//
//	# Read a model value, served from cache when offline
//	cellsync fetch models/plan Revenue
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/config"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// socketPath is shared by the daemon and every client command.
	socketPath string

	rootCmd = &cobra.Command{
		Use:   "cellsync",
		Short: "Offline-first sync for spreadsheet models",
		Long: `cellsync keeps a spreadsheet client consistent with a remote
financial-modeling service across unreliable connectivity.

Local edits are queued while offline and replayed when the live channel
comes back. Conflicting remote edits are resolved last-write-wins. Model
values are cached so reads keep working offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath(), "Path of the local API socket")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
