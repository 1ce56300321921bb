package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mmlab/vialstore/pkg/inventory"
)

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"print command results as JSON")
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printRows prints joined rows as an aligned table.
func printRows(rows []inventory.Row) error {
	if jsonOutput {
		return printJSON(rows)
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "BARCODE\tSUBSTANCE\tTIMESTAMP\tSTATUS\tRACK\tSLOT")

	for i := range rows {
		r := &rows[i]

		rackID := "-"
		if r.RackID != nil {
			rackID = fmt.Sprint(*r.RackID)
		}

		slot := r.Slot()
		if slot == "" {
			slot = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Barcode, r.SubstanceName, r.Timestamp, r.Status, rackID, slot)
	}

	return tw.Flush()
}
