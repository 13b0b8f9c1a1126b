package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vigilsh/vigil/internal/config"
	"github.com/vigilsh/vigil/internal/schedule"
	"go.uber.org/zap"
)

// scheduleCmd prints the recommended maintenance windows.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Recommend maintenance windows",
	Long: `Forecast the coming week and print the quietest hour of each day,
with the maintenance activities that fit it.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().Bool("json", false, "print raw JSON instead of the summary")
}

func runSchedule(cmd *cobra.Command, args []string) error {
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

	planner := schedule.New(schedule.DefaultConfig(), newEngine(cfg, st), zap.NewNop())

	plan, err := planner.Plan(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to build schedule: %w", err)
	}

	if asJSON {
		out, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Maintenance schedule, generated %s\n\n", plan.GeneratedAt.Format("2006-01-02 15:04"))
	if len(plan.Slots) == 0 {
		fmt.Println("No slots could be scored; not enough metric history yet.")
		return nil
	}

	for _, slot := range plan.Slots {
		fmt.Printf("  %s %02d:00  score %.1f",
			slot.Timestamp.Format("Mon 2006-01-02"), slot.Hour, slot.Score)
		if len(slot.Activities) > 0 {
			fmt.Printf("  %s", strings.Join(slot.Activities, ", "))
		}
		fmt.Println()

		names := make([]string, 0, len(slot.Forecasts))
		for name := range slot.Forecasts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("      %-20s %.2f\n", name, slot.Forecasts[name])
		}
	}

	if len(plan.Unscheduled) > 0 {
		fmt.Printf("\nUnscheduled activities: %s\n", strings.Join(plan.Unscheduled, ", "))
	}
	return nil
}
