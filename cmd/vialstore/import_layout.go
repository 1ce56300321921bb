package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/rack"
)

var importLayoutCmd = &cobra.Command{
	Use:   "import-layout <file>...",
	Short: "Load rack layouts produced by the liquid handler",
	Long: `Load each CSV put list (barcode, row, column) as a new rack. Every barcode
must be a Ready vial without a slot. A file is applied completely or not
at all; later files are still tried when one fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			var failed int

			for _, path := range args {
				if err := importLayout(cmd, a, path); err != nil {
					log.WithError(err).WithField("file", path).Error("Layout import failed")

					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d layouts failed", failed, len(args))
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(importLayoutCmd)
}

func importLayout(cmd *cobra.Command, a *app, path string) error {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := rack.ParseLayout(f)
	if err != nil {
		return err
	}

	result, err := a.racks.ImportLayout(cmd.Context(), path, entries)
	if err != nil {
		return err
	}

	fmt.Printf("%s: rack %d, %d vials\n", path, result.RackID, len(result.Assignments))

	return nil
}
