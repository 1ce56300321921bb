package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/rack"
)

var (
	assignMode string
	assignAll  bool
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Pack Ready vials into a new rack",
	Long: `Assign up to 96 of the oldest Ready vials without a slot to a new rack and
move them to In Fridge. With --mode single, nothing is assigned when the
pending vials do not fit one rack. With --all, racks are filled until no
Ready vial is left.`,
	RunE: runAssign,
}

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.Flags().StringVar(&assignMode, "mode", "truncate",
		"overflow handling: truncate (fill one rack, leave the rest Ready) or single")
	assignCmd.Flags().BoolVar(&assignAll, "all", false,
		"keep creating racks until no Ready vial is pending")
}

func runAssign(cmd *cobra.Command, args []string) error {
	policy, err := rack.ParsePolicy(assignMode)
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(a *app) error {
		var results []*rack.Result

		for {
			result, err := a.racks.Assign(cmd.Context(), policy)
			if errors.Is(err, rack.ErrCapacityExceeded) {
				fmt.Println(err)

				return nil
			}

			if err != nil {
				return err
			}

			if result.RackID == 0 {
				break
			}

			results = append(results, result)

			if !assignAll || result.Remaining == 0 {
				break
			}
		}

		if jsonOutput {
			return printJSON(results)
		}

		if len(results) == 0 {
			fmt.Println("No Ready vials waiting for a slot")

			return nil
		}

		for _, r := range results {
			fmt.Printf("rack %d: %d vials assigned, %d still pending\n",
				r.RackID, len(r.Assignments), r.Remaining)
		}

		return nil
	})
}
