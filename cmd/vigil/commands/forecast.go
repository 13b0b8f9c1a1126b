package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vigilsh/vigil/internal/config"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap"
)

// forecastCmd reads the store directly, without a running daemon.
var forecastCmd = &cobra.Command{
	Use:   "forecast [metric]",
	Short: "Forecast tracked metrics",
	Long: `Open the metric store and print ensemble forecasts. With no argument
every metric configured under monitor.metrics is forecast.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runForecast,
}

func init() {
	rootCmd.AddCommand(forecastCmd)

	forecastCmd.Flags().Int("hours", 0, "forecast horizon in hours (0 uses the config default)")
	forecastCmd.Flags().Bool("json", false, "print raw JSON instead of the summary")
}

// openStore opens the configured metric database for offline commands.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.New(zap.NewNop(), store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func newEngine(cfg *config.Config, st *store.Store) *forecast.Engine {
	return forecast.New(forecast.Config{
		MinPoints:           cfg.Forecast.MinPointsForecast,
		SeasonalMinPoints:   cfg.Forecast.MinPointsSeasonal,
		HistoryDays:         cfg.Forecast.HistoryDays,
		DefaultHorizonHours: cfg.Forecast.DefaultHorizonHours,
	}, st, zap.NewNop())
}

func runForecast(cmd *cobra.Command, args []string) error {
	hours, _ := cmd.Flags().GetInt("hours")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := newEngine(cfg, st)

	names := args
	if len(names) == 0 {
		names = cfg.Monitor.Metrics
	}

	ctx := cmd.Context()
	results := make([]*forecast.Result, 0, len(names))
	for _, name := range names {
		result, err := engine.Forecast(ctx, name, hours)
		if err != nil {
			return fmt.Errorf("forecast for %s failed: %w", name, err)
		}
		results = append(results, result)
	}

	if asJSON {
		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for _, r := range results {
		printForecast(r)
	}
	return nil
}

func printForecast(r *forecast.Result) {
	fmt.Printf("%s\n", r.Metric)
	if r.Unavailable {
		fmt.Printf("  unavailable: %s (%d of %d points)\n\n", r.Reason, r.AvailablePoints, r.Required)
		return
	}

	fmt.Printf("  current  : %.2f\n", r.CurrentValue)
	fmt.Printf("  in %3dh  : %.2f  [%.2f, %.2f]\n",
		r.HoursAhead, r.ForecastValue, r.ConfidenceLow, r.ConfidenceHigh)
	fmt.Printf("  trend    : %s (%+.1f%%/day)\n", r.Trend.Direction, r.Trend.PercentChangePerDay)
	fmt.Printf("  weights  : linear %.2f, seasonal %.2f, exponential %.2f\n\n",
		r.Weights.Linear, r.Weights.Seasonal, r.Weights.Exponential)
}
