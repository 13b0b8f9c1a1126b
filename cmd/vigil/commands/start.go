package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/api"
	"github.com/vigilsh/vigil/internal/arousal"
	"github.com/vigilsh/vigil/internal/config"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/logging"
	"github.com/vigilsh/vigil/internal/metrics"
	"github.com/vigilsh/vigil/internal/schedule"
	"github.com/vigilsh/vigil/internal/store"
	"github.com/vigilsh/vigil/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// startCmd runs the daemon until SIGINT or SIGTERM.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the monitoring daemon",
	Long: `Start the daemon: host sampling, the arousal controller, periodic
store maintenance and, unless disabled in the config, the HTTP API.

Examples:
  # Start with ./vigil.yaml (defaults apply if it is missing)
  vigil start

  # Start with an explicit config
  vigil start --config /etc/vigil/vigil.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("pid-file", "", "write the daemon PID to this file")
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile, _ := cmd.Flags().GetString("pid-file")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logLevel, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			logger.Warn("pid file not written", zap.Error(err))
		} else {
			defer os.Remove(pidFile)
		}
	}

	logger.Info("vigil starting",
		zap.String("version", Version),
		zap.String("config", cfgFile),
		zap.String("data_dir", cfg.DataDir))

	st, err := store.New(logging.WithComponent(logger, "store"), store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	analysisCfg := analysisConfig(cfg)
	analyzer := analysis.New(analysisCfg, logging.WithComponent(logger, "analysis"))

	engine := forecast.New(forecast.Config{
		MinPoints:           cfg.Forecast.MinPointsForecast,
		SeasonalMinPoints:   cfg.Forecast.MinPointsSeasonal,
		HistoryDays:         cfg.Forecast.HistoryDays,
		DefaultHorizonHours: cfg.Forecast.DefaultHorizonHours,
	}, st, logging.WithComponent(logger, "forecast"))

	planner := schedule.New(schedule.DefaultConfig(), engine, logging.WithComponent(logger, "schedule"))

	exporter := metrics.New()

	monCfg := arousal.DefaultConfig()
	monCfg.CheckInterval = time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second
	monCfg.WakeHour = cfg.Monitor.ScheduledWakeHour
	monCfg.StateFile = cfg.Monitor.StateFile
	monCfg.QueueSize = cfg.Monitor.QueueSize
	monCfg.Metrics = cfg.Monitor.Metrics
	monCfg.Analysis = analysisCfg

	var logs arousal.LogSource
	if cfg.Logging.File != "" {
		logs = telemetry.NewTailSource(cfg.Logging.File)
	}

	controller := arousal.New(monCfg, arousal.Deps{
		Logger:     logging.WithComponent(logger, "monitor"),
		Source:     st,
		Analyzer:   analyzer,
		Forecaster: engine,
		Logs:       logs,
		Sink:       st,
	})
	controller.Subscribe(exporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collector *telemetry.Collector
	if cfg.Telemetry.Enabled {
		collector = telemetry.New(telemetry.Config{
			Interval: time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
			RootPath: cfg.Telemetry.RootPath,
		}, exporter.WrapWriter(st), logging.WithComponent(logger, "telemetry"))
		collector.Start(ctx)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.New(api.Config{
			ListenAddr:         cfg.API.ListenAddr,
			RateLimitPerSecond: cfg.API.RateLimitPerSecond,
			RateBurst:          cfg.API.RateBurst,
			AuthSecret:         cfg.API.AuthSecret,
			AllowOrigins:       cfg.API.AllowOrigins,
		}, api.Deps{
			Controller: controller,
			Store:      st,
			Analyzer:   analyzer,
			Forecaster: engine,
			Planner:    planner,
			Exporter:   exporter,
		}, logging.WithComponent(logger, "api"))
		controller.Subscribe(server.Hub())
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
	}

	controller.Run(ctx)

	maintenanceDone := make(chan struct{})
	go runMaintenance(ctx, maintenanceDone, st, exporter, cfg, logger)

	// Hot-reload the log level and analysis thresholds on config edits.
	// Everything else needs a restart.
	watcher, err := config.NewWatcher(logging.WithComponent(logger, "config"), cfgFile)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		reload := func() {
			reloaded, err := config.Load(cfgFile)
			if err != nil {
				logger.Warn("config reload failed", zap.Error(err))
				return
			}
			if !verbose {
				if lvl, err := zapcore.ParseLevel(reloaded.Logging.Level); err == nil {
					logLevel.SetLevel(lvl)
				}
			}
			analyzer.SetConfig(analysisConfig(reloaded))
			logger.Info("config reloaded",
				zap.String("log_level", reloaded.Logging.Level),
				zap.Float64("z_threshold", reloaded.Analysis.AnomalyZThreshold))
		}
		if err := watcher.Start(reload); err != nil {
			logger.Warn("config watcher not started", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("vigil started", zap.String("level", controller.Current().String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", zap.Error(err))
		}
	}
	if collector != nil {
		collector.Stop()
	}
	controller.Stop()
	cancel()
	<-maintenanceDone

	logger.Info("vigil stopped")
	return nil
}

// analysisConfig maps the config section onto analyzer settings.
func analysisConfig(cfg *config.Config) analysis.Config {
	return analysis.Config{
		ZThreshold:             cfg.Analysis.AnomalyZThreshold,
		MinPointsTrend:         cfg.Analysis.MinPointsTrend,
		MinPointsAnomaly:       cfg.Analysis.MinPointsAnomaly,
		MinPointsDailyPattern:  cfg.Analysis.MinPointsDailyPattern,
		MinPointsWeeklyPattern: cfg.Analysis.MinPointsWeeklyPattern,
	}
}

// runMaintenance trims the store back under its size cap once an hour.
func runMaintenance(ctx context.Context, done chan<- struct{}, st *store.Store, exporter *metrics.Exporter, cfg *config.Config, logger *zap.Logger) {
	defer close(done)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := st.SizeCheck(ctx, cfg.Store.MaxStoreSizeMB, cfg.Store.RetentionDays)
			if err != nil {
				logger.Warn("store size check failed", zap.Error(err))
				continue
			}
			if report.Cleaned {
				removed := int(report.Removed.MetricsRemoved + report.Removed.EventsRemoved + report.Removed.StatesRemoved)
				exporter.RecordCleanupRemoved(removed)
				logger.Info("store trimmed",
					zap.Float64("size_mb", report.SizeMB),
					zap.Float64("size_after_mb", report.SizeAfterMB),
					zap.Int("rows_removed", removed))
			}
		}
	}
}
