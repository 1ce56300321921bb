package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/rack"
	"github.com/mmlab/vialstore/pkg/retrieval"
)

var (
	rackCSV     bool
	rackPutList bool
	rackExport  bool
)

var rackCmd = &cobra.Command{
	Use:   "rack <id>",
	Short: "Show the vials of a rack in slot order",
	Long: `List every vial of a rack, whatever its status, ordered by row and column.
--csv prints the headerless barcode list, --putlist prints the put list, and
--export writes the chosen list to the configured export sinks.`,
	Args: cobra.ExactArgs(1),
	RunE: runRack,
}

func init() {
	rootCmd.AddCommand(rackCmd)
	rackCmd.Flags().BoolVar(&rackCSV, "csv", false, "print the barcode list as CSV")
	rackCmd.Flags().BoolVar(&rackPutList, "putlist", false, "print the put list as CSV")
	rackCmd.Flags().BoolVar(&rackExport, "export", false, "write the list to the export sinks")
}

func runRack(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: %q", retrieval.ErrInvalidRack, args[0])
	}

	return withApp(cmd.Context(), func(a *app) error {
		rows, err := a.retrieval.ByRack(cmd.Context(), id)
		if err != nil {
			return err
		}

		render := func(w io.Writer) error {
			return retrieval.WriteBarcodeList(w, rows, false)
		}

		parts := []string{"rack", strconv.Itoa(id)}

		if rackPutList {
			render = func(w io.Writer) error { return rack.WritePutList(w, rows) }
			parts = append([]string{"putlist"}, parts...)
		}

		switch {
		case rackExport:
			return exportList(cmd, a, a.exporter.FileName(".csv", parts...), len(rows), render)
		case rackCSV || rackPutList:
			return render(os.Stdout)
		}

		if len(rows) == 0 && !jsonOutput {
			fmt.Printf("Rack %d holds no vials\n", id)

			return nil
		}

		return printRows(rows)
	})
}

// exportList writes a rendered list to every export sink and prints where
// it went.
func exportList(
	cmd *cobra.Command, a *app, name string, vials int, render func(io.Writer) error,
) error {
	_, locations, err := a.exporter.Export(cmd.Context(), name, render)
	if err != nil {
		return err
	}

	links := a.exporter.Links(cmd.Context(), locations)

	if jsonOutput {
		return printJSON(map[string]any{
			"file":      name,
			"vials":     vials,
			"locations": locations,
			"links":     links,
		})
	}

	if len(locations) == 0 {
		fmt.Println("No export sink configured")

		return nil
	}

	fmt.Printf("%s: %d vials\n", name, vials)

	for _, loc := range locations {
		if link, ok := links[loc]; ok {
			fmt.Printf("  %s\n    %s\n", loc, link)

			continue
		}

		fmt.Printf("  %s\n", loc)
	}

	return nil
}

var racksCmd = &cobra.Command{
	Use:   "racks",
	Short: "Summarize every rack",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			racks, err := a.store.Racks(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				if racks == nil {
					racks = []inventory.RackSummary{}
				}

				return printJSON(racks)
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "RACK\tVIALS\tREADY\tIN FRIDGE\tCOMPLETED")

			for _, r := range racks {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n",
					r.RackID, r.Vials, r.Ready, r.InFridge, r.Completed)
			}

			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(racksCmd)
}
