package main

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/forecast"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train forecast models from stored history",
	Long: `Train one model per (city, parameter). Without flags every configured city
and every parameter is trained; pairs without enough history are skipped.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringSlice("city", nil, "cities to train (default all configured)")
	trainCmd.Flags().StringSlice("parameter", nil, "parameters to train (default all)")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	names, _ := cmd.Flags().GetStringSlice("city")
	cities, err := a.cities.Resolve(names)
	if err != nil {
		return err
	}
	params, err := parseParameters(cmd)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, c := range cities {
		for _, p := range params {
			m, err := a.manager.Train(cmd.Context(), c.Name, p)
			switch {
			case errors.Is(err, forecast.ErrInsufficientHistory):
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-6s skipped: %v\n", c.Name, p, err)
			case err != nil:
				result = multierror.Append(result, fmt.Errorf("%s/%s: %w", c.Name, p, err))
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-6s v%d mae=%.3f rmse=%.3f r2=%.3f samples=%d\n",
					c.Name, p, a.manager.Active(c.Name, p).Version, m.MAE, m.RMSE, m.R2, m.TrainingSamples+m.ValidationSamples)
			}
		}
	}
	return result.ErrorOrNil()
}

func parseParameters(cmd *cobra.Command) ([]airquality.Parameter, error) {
	raw, _ := cmd.Flags().GetStringSlice("parameter")
	if len(raw) == 0 {
		return airquality.Parameters, nil
	}
	out := make([]airquality.Parameter, 0, len(raw))
	for _, r := range raw {
		p, ok := airquality.ParseParameter(r)
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q", r)
		}
		out = append(out, p)
	}
	return out, nil
}
