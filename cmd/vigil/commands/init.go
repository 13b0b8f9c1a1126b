package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// initCmd writes a starter configuration file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long:  `Write a commented vigil.yaml with the default settings and create the data directory.`,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
}

const configTemplate = `# Vigil daemon configuration. Every setting shown here is the default;
# delete anything you do not want to override.

# Directory for the metric database and the state file.
data_dir: data

monitor:
  # Seconds between controller ticks.
  check_interval_seconds: 60
  # Local hour (0-23) of the forced daily wake.
  scheduled_wake_hour: 3
  # Transition notification queue size.
  queue_size: 64
  # Tracked metrics, in scan priority order. The drowsy scan only
  # looks at the first one.
  metrics:
    - cpu_load
    - memory_free_mb
    - disk_usage_percent

store:
  # sqlite3 or postgres.
  driver: sqlite3
  # Connection string. Defaults to <data_dir>/vigil.db for sqlite3.
  # dsn: data/vigil.db
  retention_days: 30
  max_store_size_mb: 100

analysis:
  # Z-score above which a point counts as an anomaly.
  anomaly_z_threshold: 2.0
  min_points_trend: 2
  min_points_anomaly: 3
  min_points_daily_pattern: 24
  min_points_weekly_pattern: 168

forecast:
  min_points_forecast: 24
  min_points_seasonal: 72
  history_days: 7
  default_horizon_hours: 24

telemetry:
  # Built-in host sampler (load, memory, disk).
  enabled: true
  interval_seconds: 60
  root_path: /

api:
  enabled: true
  listen_addr: ":8090"
  rate_limit_per_second: 10
  rate_burst: 20
  # Set a secret to require a bearer token on state changes; mint one
  # with "vigil token".
  # auth_secret: ""
  # Browser origins allowed on the websocket stream.
  # allow_origins: ["*"]

logging:
  # debug, info, warn or error.
  level: info
  # File encoder: json or console.
  encoding: json
  # Log file path. Empty logs to stdout only. The FULLY_AWAKE deep
  # analysis reads this file back for recent error lines.
  # file: vigil.log
  max_size_mb: 50
  max_backups: 5
  max_age_days: 14
  compress: true
  console: true
`

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		if _, err := os.Stat(cfgFile); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", cfgFile)
		}
	}

	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(cfgFile, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.MkdirAll("data", 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Printf("Wrote %s\n", cfgFile)
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the file to taste")
	fmt.Println("  2. Run 'vigil start'")
	return nil
}
