package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/client"
)

var (
	fetchJSON bool

	fetchCmd = &cobra.Command{
		Use:   "fetch <model-path> <reference>",
		Short: "Read a model value",
		Long: `Read one value from the modeling service through the daemon.

Online, the value is fetched and written to the local cache. Offline, or
when the service cannot be reached, the last cached value is returned.

Examples:
  # Print a value
  cellsync fetch models/plan Revenue

  # Print the value as JSON
  cellsync fetch --json models/plan "Net Income"`,
		RunE: runFetch,
		Args: cobra.ExactArgs(2),
	}
)

func init() {
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Output the value as JSON")
}

func runFetch(cmd *cobra.Command, args []string) error {
	c := client.New(&client.Config{
		SocketPath: clientSocketPath(cmd),
	})

	value, err := c.Fetch(args[0], args[1])
	if err != nil {
		return err
	}

	if fetchJSON {
		return writeJSON(cmd.OutOrStdout(), value)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatCellValue(value))
	return nil
}

// formatCellValue prints scalars bare and everything else as JSON.
func formatCellValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
