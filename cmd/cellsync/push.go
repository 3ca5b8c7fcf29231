package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/client"
)

var (
	pushDelete bool
	pushString bool

	pushCmd = &cobra.Command{
		Use:   "push <address> [value]",
		Short: "Record a local cell edit",
		Long: `Record an edit of a local cell and sync it to the modeling service.

Online, the edit is sent immediately. Offline, or if the send fails, it is
queued and replayed when the live channel comes back. Only the latest edit
per address is kept in the queue.

Values that parse as JSON keep their type: 42 is a number, true a boolean,
{"a":1} an object. Anything else is text. Use --string to force text.

Examples:
  # Set a number
  cellsync push Sheet1!B2 1250.5

  # Set text that looks like a number
  cellsync push --string Sheet1!A1 0042

  # Clear a cell
  cellsync push --delete Sheet1!B2`,
		RunE: runPush,
		Args: cobra.RangeArgs(1, 2),
	}
)

func init() {
	pushCmd.Flags().BoolVar(&pushDelete, "delete", false, "Clear the cell instead of setting a value")
	pushCmd.Flags().BoolVar(&pushString, "string", false, "Treat the value as text")
}

func runPush(cmd *cobra.Command, args []string) error {
	value, err := pushValue(args, pushDelete, pushString)
	if err != nil {
		return err
	}

	c := client.New(&client.Config{
		SocketPath: clientSocketPath(cmd),
	})

	status, err := c.Push(args[0], value)
	if err != nil {
		return err
	}

	connState := "offline"
	if status.IsOnline {
		connState = "online"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "recorded %s (%s, %d pending)\n", args[0], connState, status.PendingOperations)
	return nil
}

// pushValue resolves the value argument. A delete pushes nil.
func pushValue(args []string, remove, forceString bool) (any, error) {
	switch {
	case remove && len(args) > 1:
		return nil, errors.New("--delete takes no value")
	case remove:
		return nil, nil
	case len(args) < 2:
		return nil, errors.New("value is required (use --delete to clear a cell)")
	default:
		return parseCellValue(args[1], forceString), nil
	}
}
