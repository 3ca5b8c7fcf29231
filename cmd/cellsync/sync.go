package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/client"
)

var (
	syncTimeout time.Duration

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Replay pending operations now",
		Long: `Ask the daemon to replay its pending queue and refresh linked cells.

Fails when the daemon is offline. Operations that fail to send stay queued
and are retried by the next replay.

Examples:
  cellsync sync`,
		RunE: runSync,
		Args: cobra.NoArgs,
	}
)

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", time.Minute, "How long to wait for the replay")
}

func runSync(cmd *cobra.Command, _ []string) error {
	c := client.New(&client.Config{
		SocketPath: clientSocketPath(cmd),
		Timeout:    syncTimeout,
	})

	result, err := c.Sync()
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %d operations, %d failed\n", result.Success, result.Failed)
	if result.Failed > 0 {
		return fmt.Errorf("%d operations remain queued", result.Failed)
	}
	return nil
}
