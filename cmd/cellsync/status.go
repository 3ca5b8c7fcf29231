package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/api"
	"github.com/Veraticus/cellsync/pkg/client"
)

var (
	statusJSON bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		Long: `Display the current status of the cellsync daemon.

Shows information about:
- Client ID and version
- Whether the live channel is online
- Pending operations and linked cells
- Synchronization statistics

Examples:
  # Show status in human-readable format
  cellsync status

  # Show status as JSON
  cellsync status --json`,
		RunE: runStatus,
		Args: cobra.NoArgs,
	}
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c := client.New(&client.Config{
		SocketPath: clientSocketPath(cmd),
	})

	status, err := c.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), status)
	}
	printHumanStatus(cmd.OutOrStdout(), status, time.Now())
	return nil
}

// printHumanStatus prints status in a human-readable format.
func printHumanStatus(out io.Writer, status *api.StatusResponse, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Client ID:\t%s\n", status.ClientID)
	_, _ = fmt.Fprintf(w, "Version:\t%s\n", status.Version)
	if !status.StartTime.IsZero() {
		_, _ = fmt.Fprintf(w, "Uptime:\t%s\n", formatDuration(now.Sub(status.StartTime)))
	}

	connState := "offline"
	if status.Online {
		connState = "online"
	}
	_, _ = fmt.Fprintf(w, "Connection:\t%s\n", connState)

	_, _ = fmt.Fprintf(w, "\nQueue:\n")
	_, _ = fmt.Fprintf(w, "  Pending Operations:\t%d\n", status.PendingOperations)
	_, _ = fmt.Fprintf(w, "  Linked Cells:\t%d\n", status.LinkedCells)
	_, _ = fmt.Fprintf(w, "  Last Drain:\t%d succeeded, %d failed\n", status.LastDrain.Success, status.LastDrain.Failed)
	if status.LastSyncTime != "" {
		if t, err := time.Parse(time.RFC3339, status.LastSyncTime); err == nil {
			_, _ = fmt.Fprintf(w, "  Last Sync:\t%s ago\n", formatDuration(now.Sub(t)))
		}
	} else {
		_, _ = fmt.Fprintf(w, "  Last Sync:\tnever\n")
	}

	_, _ = fmt.Fprintf(w, "\nSynchronization:\n")
	_, _ = fmt.Fprintf(w, "  Local Changes:\t%d\n", status.Stats.LocalChanges)
	_, _ = fmt.Fprintf(w, "  Immediate Syncs:\t%d\n", status.Stats.ImmediateSyncs)
	_, _ = fmt.Fprintf(w, "  Queued:\t%d\n", status.Stats.QueuedOperations)
	_, _ = fmt.Fprintf(w, "  Replayed:\t%d ok, %d failed\n", status.Stats.DrainedSuccess, status.Stats.DrainedFailed)
	_, _ = fmt.Fprintf(w, "  Remote Changes:\t%d\n", status.Stats.RemoteChanges)
	_, _ = fmt.Fprintf(w, "  Conflicts:\t%d won, %d lost\n", status.Stats.ConflictsWon, status.Stats.ConflictsLost)
	_, _ = fmt.Fprintf(w, "  Cache Fallbacks:\t%d\n", status.Stats.CacheFallbacks)
}

// writeJSON writes v as indented JSON.
func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd%dh", days, hours)
}
