package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/i474232898/airsense/internal/airquality"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Print a forecast for one city and parameter",
	RunE:  runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("city", "", "city name")
	predictCmd.Flags().String("parameter", "PM2.5", "pollutant")
	predictCmd.Flags().Int("hours", 24, "hours ahead (1-168)")
	_ = predictCmd.MarkFlagRequired("city")
}

func runPredict(cmd *cobra.Command, _ []string) error {
	city, _ := cmd.Flags().GetString("city")
	raw, _ := cmd.Flags().GetString("parameter")
	hours, _ := cmd.Flags().GetInt("hours")

	p, ok := airquality.ParseParameter(raw)
	if !ok {
		return fmt.Errorf("unknown parameter %q", raw)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	f, err := a.manager.Predict(cmd.Context(), city, p, hours)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}
