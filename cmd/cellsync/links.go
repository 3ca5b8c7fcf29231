package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Veraticus/cellsync/pkg/client"
	"github.com/Veraticus/cellsync/pkg/model"
)

var (
	linksJSON bool

	linksCmd = &cobra.Command{
		Use:   "links",
		Short: "List linked cells",
		Long: `List the local cells bound to model references.

Examples:
  cellsync links
  cellsync links --json`,
		RunE: runLinks,
		Args: cobra.NoArgs,
	}
)

func init() {
	linksCmd.Flags().BoolVar(&linksJSON, "json", false, "Output links as JSON")
}

func runLinks(cmd *cobra.Command, _ []string) error {
	c := client.New(&client.Config{
		SocketPath: clientSocketPath(cmd),
	})

	links, err := c.Links()
	if err != nil {
		return err
	}

	if linksJSON {
		return writeJSON(cmd.OutOrStdout(), links)
	}
	printLinks(cmd.OutOrStdout(), links)
	return nil
}

// printLinks prints one row per linked cell.
func printLinks(out io.Writer, links []model.LinkedCell) {
	if len(links) == 0 {
		_, _ = fmt.Fprintln(out, "no linked cells")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "CELL\tMODEL\tREFERENCE\tDIRECTION\tVALUE\tLAST SYNCED")
	for _, link := range links {
		synced := "never"
		if !link.LastSyncedAt.IsZero() {
			synced = link.LastSyncedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			link.LocalAddress, link.ModelPath, link.RemoteReference, link.Direction,
			formatCellValue(link.LastValue), synced)
	}
}
