package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mmlab/vialstore/pkg/feed"
	"github.com/mmlab/vialstore/pkg/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest instrument export files",
	Long: `Without arguments, scan the configured feed once and ingest every new or
changed export file. With arguments, ingest the given local files directly.
Re-ingesting a file never changes existing vials.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		if len(args) == 0 {
			summary, err := a.pipeline.IngestAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("ingesting feed: %w", err)
			}

			if jsonOutput {
				return printJSON(summary)
			}

			fmt.Printf("files: %d  ingested: %d  skipped: %d  failed: %d  vials added: %d\n",
				summary.Files, summary.Ingested, summary.Skipped, summary.Failed, summary.Added)

			for file, msg := range summary.Errors {
				fmt.Printf("  %s: %s\n", file, msg)
			}

			return nil
		}

		reports := make([]*ingest.Report, 0, len(args))

		for _, path := range args {
			data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}

			table, err := feed.Decode(path, data)
			if err != nil {
				return err
			}

			report, err := a.pipeline.Ingest(cmd.Context(), table, filepath.Base(path))
			if err != nil {
				return fmt.Errorf("ingesting %s: %w", path, err)
			}

			report.File = path
			reports = append(reports, report)

			log.WithFields(logrus.Fields{
				"file":       path,
				"added":      report.Added,
				"duplicates": report.Duplicates,
				"failures":   len(report.Failures),
			}).Info("Ingested file")
		}

		if jsonOutput {
			return printJSON(reports)
		}

		for _, r := range reports {
			fmt.Printf("%s: rows %d, added %d, duplicates %d, failures %d\n",
				r.File, r.Rows, r.Added, r.Duplicates, len(r.Failures))

			for _, f := range r.Failures {
				fmt.Printf("  %s\n", f)
			}
		}

		return nil
	})
}
