package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass and print the report",
	RunE:  runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringSlice("city", nil, "cities to ingest (default all configured)")
	ingestCmd.Flags().Int("days-back", 0, "days of history to fetch (default ingestion.days_back)")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	cities, _ := cmd.Flags().GetStringSlice("city")
	daysBack, _ := cmd.Flags().GetInt("days-back")
	if daysBack == 0 {
		daysBack = a.cfg.Ingestion.DaysBack
	}

	report, err := a.service.Ingest(cmd.Context(), cities, daysBack)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	return err
}
