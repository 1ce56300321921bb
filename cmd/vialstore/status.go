package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/inventory"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vial counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()

			counts, err := a.store.StatusCounts(ctx)
			if err != nil {
				return err
			}

			pending, err := a.racks.Pending(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{"counts": counts, "pending": pending})
			}

			for _, st := range inventory.Statuses {
				fmt.Printf("%-10s %d\n", st, counts[st])
			}

			fmt.Printf("%-10s %d\n", "pending", pending)

			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.Redacted()
		if err != nil {
			return err
		}

		fmt.Print(string(out))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, configCmd)
}
