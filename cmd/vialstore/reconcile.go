package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileFix bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check that slot assignments and statuses agree",
	Long: `Report vials whose slot assignment and status disagree. With --fix, move
repairable records forward: a vial without a status gets Ready, and an
assigned vial still Ready moves to In Fridge.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			report, err := a.racks.Reconcile(cmd.Context(), reconcileFix)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}

			if len(report.Found) == 0 {
				fmt.Println("Inventory is consistent")

				return nil
			}

			fmt.Printf("found %d, fixed %d, remaining %d\n",
				len(report.Found), len(report.Fixed), len(report.Remaining))

			for _, an := range report.Remaining {
				fmt.Printf("  %s\n", an)
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileFix, "fix", false, "repair what can be moved forward")
}
