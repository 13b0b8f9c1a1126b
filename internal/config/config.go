package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vigilsh/vigil/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the vigil daemon.
type Config struct {
	// DataDir holds the metric database and state file unless
	// overridden per component.
	DataDir string `yaml:"data_dir"`

	Monitor   MonitorConfig   `yaml:"monitor"`
	Store     StoreConfig     `yaml:"store"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
	Logging   logging.Config  `yaml:"logging"`
}

// MonitorConfig controls the arousal controller loop.
type MonitorConfig struct {
	// CheckIntervalSeconds is the controller tick interval.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// ScheduledWakeHour is the local hour of the daily forced wake.
	ScheduledWakeHour int `yaml:"scheduled_wake_hour"`

	// StateFile is the JSON state document path. Defaults to
	// <data_dir>/vigil-state.json.
	StateFile string `yaml:"state_file"`

	// QueueSize bounds the transition notification channel.
	QueueSize int `yaml:"queue_size"`

	// Metrics are the tracked metric names, in scan priority order.
	Metrics []string `yaml:"metrics"`
}

// StoreConfig controls the metric store.
type StoreConfig struct {
	// Driver is sqlite3 or postgres.
	Driver string `yaml:"driver"`

	// DSN is the driver connection string. For sqlite3 it defaults to
	// <data_dir>/vigil.db.
	DSN string `yaml:"dsn"`

	RetentionDays  int `yaml:"retention_days"`
	MaxStoreSizeMB int `yaml:"max_store_size_mb"`
}

// AnalysisConfig holds analyzer thresholds and minimum point counts.
type AnalysisConfig struct {
	AnomalyZThreshold      float64 `yaml:"anomaly_z_threshold"`
	MinPointsTrend         int     `yaml:"min_points_trend"`
	MinPointsAnomaly       int     `yaml:"min_points_anomaly"`
	MinPointsDailyPattern  int     `yaml:"min_points_daily_pattern"`
	MinPointsWeeklyPattern int     `yaml:"min_points_weekly_pattern"`
}

// ForecastConfig holds forecast engine settings.
type ForecastConfig struct {
	MinPointsForecast   int `yaml:"min_points_forecast"`
	MinPointsSeasonal   int `yaml:"min_points_seasonal"`
	HistoryDays         int `yaml:"history_days"`
	DefaultHorizonHours int `yaml:"default_horizon_hours"`
}

// TelemetryConfig controls the host sampler.
type TelemetryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	RootPath        string `yaml:"root_path"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Enabled            bool     `yaml:"enabled"`
	ListenAddr         string   `yaml:"listen_addr"`
	RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
	RateBurst          int      `yaml:"rate_burst"`
	AuthSecret         string   `yaml:"auth_secret"`
	AllowOrigins       []string `yaml:"allow_origins"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Monitor: MonitorConfig{
			CheckIntervalSeconds: 60,
			ScheduledWakeHour:    3,
			QueueSize:            64,
			Metrics:              []string{"cpu_load", "memory_free_mb", "disk_usage_percent"},
		},
		Store: StoreConfig{
			Driver:         "sqlite3",
			RetentionDays:  30,
			MaxStoreSizeMB: 100,
		},
		Analysis: AnalysisConfig{
			AnomalyZThreshold:      2.0,
			MinPointsTrend:         2,
			MinPointsAnomaly:       3,
			MinPointsDailyPattern:  24,
			MinPointsWeeklyPattern: 168,
		},
		Forecast: ForecastConfig{
			MinPointsForecast:   24,
			MinPointsSeasonal:   72,
			HistoryDays:         7,
			DefaultHorizonHours: 24,
		},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			RootPath:        "/",
		},
		API: APIConfig{
			Enabled:            true,
			ListenAddr:         ":8090",
			RateLimitPerSecond: 10,
			RateBurst:          20,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads the configuration file, overlaying it on the defaults.
// A missing file yields pure defaults; any other read or parse failure
// is an error. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize fills values derived from other settings.
func (c *Config) finalize() {
	if c.Store.DSN == "" && c.Store.Driver == "sqlite3" {
		c.Store.DSN = filepath.Join(c.DataDir, "vigil.db")
	}
	if c.Monitor.StateFile == "" {
		c.Monitor.StateFile = filepath.Join(c.DataDir, "vigil-state.json")
	}
}

// Validate checks the configuration. Validation failures are fatal at
// startup only; nothing revalidates at runtime.
func (c *Config) Validate() error {
	if c.Monitor.CheckIntervalSeconds < 1 {
		return fmt.Errorf("monitor.check_interval_seconds must be at least 1, got %d", c.Monitor.CheckIntervalSeconds)
	}
	if c.Monitor.ScheduledWakeHour < 0 || c.Monitor.ScheduledWakeHour > 23 {
		return fmt.Errorf("monitor.scheduled_wake_hour must be between 0 and 23, got %d", c.Monitor.ScheduledWakeHour)
	}
	if c.Monitor.QueueSize < 1 {
		return fmt.Errorf("monitor.queue_size must be at least 1, got %d", c.Monitor.QueueSize)
	}
	if len(c.Monitor.Metrics) == 0 {
		return fmt.Errorf("monitor.metrics must name at least one metric")
	}

	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite3 or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Store.RetentionDays < 1 {
		return fmt.Errorf("store.retention_days must be at least 1, got %d", c.Store.RetentionDays)
	}
	if c.Store.MaxStoreSizeMB < 1 {
		return fmt.Errorf("store.max_store_size_mb must be at least 1, got %d", c.Store.MaxStoreSizeMB)
	}

	if c.Analysis.AnomalyZThreshold <= 0 {
		return fmt.Errorf("analysis.anomaly_z_threshold must be positive, got %g", c.Analysis.AnomalyZThreshold)
	}
	if c.Analysis.MinPointsTrend < 2 {
		return fmt.Errorf("analysis.min_points_trend must be at least 2, got %d", c.Analysis.MinPointsTrend)
	}
	if c.Analysis.MinPointsAnomaly < 3 {
		return fmt.Errorf("analysis.min_points_anomaly must be at least 3, got %d", c.Analysis.MinPointsAnomaly)
	}
	if c.Analysis.MinPointsDailyPattern < 24 {
		return fmt.Errorf("analysis.min_points_daily_pattern must be at least 24, got %d", c.Analysis.MinPointsDailyPattern)
	}
	if c.Analysis.MinPointsWeeklyPattern < 168 {
		return fmt.Errorf("analysis.min_points_weekly_pattern must be at least 168, got %d", c.Analysis.MinPointsWeeklyPattern)
	}

	if c.Forecast.MinPointsForecast < 2 {
		return fmt.Errorf("forecast.min_points_forecast must be at least 2, got %d", c.Forecast.MinPointsForecast)
	}
	if c.Forecast.MinPointsSeasonal < 24 {
		return fmt.Errorf("forecast.min_points_seasonal must be at least 24, got %d", c.Forecast.MinPointsSeasonal)
	}
	if c.Forecast.HistoryDays < 1 {
		return fmt.Errorf("forecast.history_days must be at least 1, got %d", c.Forecast.HistoryDays)
	}
	if c.Forecast.DefaultHorizonHours < 1 {
		return fmt.Errorf("forecast.default_horizon_hours must be at least 1, got %d", c.Forecast.DefaultHorizonHours)
	}

	if c.Telemetry.Enabled && c.Telemetry.IntervalSeconds < 1 {
		return fmt.Errorf("telemetry.interval_seconds must be at least 1, got %d", c.Telemetry.IntervalSeconds)
	}

	if c.API.Enabled {
		if c.API.ListenAddr == "" {
			return fmt.Errorf("api.listen_addr is required when the API is enabled")
		}
		if c.API.RateLimitPerSecond <= 0 {
			return fmt.Errorf("api.rate_limit_per_second must be positive, got %g", c.API.RateLimitPerSecond)
		}
		if c.API.RateBurst < 1 {
			return fmt.Errorf("api.rate_burst must be at least 1, got %d", c.API.RateBurst)
		}
	}

	return nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
