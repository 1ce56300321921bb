package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/retrieval"
)

var completeFIFO bool

var completeCmd = &cobra.Command{
	Use:   "complete <barcode>... | --fifo <substance> <count>",
	Short: "Mark retrieved vials as Completed",
	Long: `Move In Fridge vials to Completed. Vials already Completed are left alone
and unknown barcodes are reported. If any vial is not In Fridge, nothing
changes.

With --fifo, the oldest count In Fridge vials of a substance are picked
and completed in one step, the same set "fifo" would list.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if completeFIFO {
			return cobra.ExactArgs(2)(cmd, args)
		}

		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runComplete,
}

func init() {
	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().BoolVar(&completeFIFO, "fifo", false,
		"complete the oldest <count> In Fridge vials of <substance>")
}

func runComplete(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		var (
			result *inventory.TransitionResult
			err    error
		)

		if completeFIFO {
			count, convErr := strconv.Atoi(args[1])
			if convErr != nil {
				return fmt.Errorf("%w: %q", retrieval.ErrInvalidCount, args[1])
			}

			var rows []inventory.Row

			rows, result, err = a.retrieval.CompleteFIFO(cmd.Context(), args[0], count)
			if err == nil && !jsonOutput && len(rows) > 0 {
				fmt.Printf("taken out: %s\n", strings.Join(retrieval.Barcodes(rows), ", "))
			}
		} else {
			result, err = a.retrieval.MarkCompleted(cmd.Context(), args)
		}

		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(result)
		}

		fmt.Printf("completed: %d\n", len(result.Updated))

		if len(result.Unchanged) > 0 {
			fmt.Printf("already completed: %s\n", strings.Join(result.Unchanged, ", "))
		}

		if len(result.Unknown) > 0 {
			fmt.Printf("unknown: %s\n", strings.Join(result.Unknown, ", "))
		}

		return nil
	})
}
