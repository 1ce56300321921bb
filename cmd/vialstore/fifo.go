package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/retrieval"
)

var (
	fifoCSV    bool
	fifoExport bool
)

var fifoCmd = &cobra.Command{
	Use:   "fifo <substance> <count>",
	Short: "Pick the oldest In Fridge vials of a substance",
	Long: `List up to count In Fridge vials of a substance, oldest first. Fewer
matches than requested is not an error. The query never changes the
inventory; use "complete" once the vials are taken out.`,
	Args: cobra.ExactArgs(2),
	RunE: runFIFO,
}

func init() {
	rootCmd.AddCommand(fifoCmd)
	fifoCmd.Flags().BoolVar(&fifoCSV, "csv", false, "print the barcode list as CSV")
	fifoCmd.Flags().BoolVar(&fifoExport, "export", false, "write the barcode list to the export sinks")
}

func runFIFO(cmd *cobra.Command, args []string) error {
	substance := args[0]

	count, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: %q", retrieval.ErrInvalidCount, args[1])
	}

	return withApp(cmd.Context(), func(a *app) error {
		rows, err := a.retrieval.FIFOBySubstance(cmd.Context(), substance, count)
		if err != nil {
			return err
		}

		render := func(w io.Writer) error {
			return retrieval.WriteBarcodeList(w, rows, true)
		}

		switch {
		case fifoExport:
			return exportList(cmd, a, a.exporter.FileName(".csv", "fifo", substance), len(rows), render)
		case fifoCSV:
			return render(os.Stdout)
		}

		if len(rows) < count && !jsonOutput {
			fmt.Printf("%d of %d requested %s vials in the fridge\n", len(rows), count, substance)
		}

		return printRows(rows)
	})
}
