package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Metric names written by the collector. The analyzer, forecaster and
// scheduler all key off these.
const (
	MetricCPULoad       = "cpu_load"
	MetricMemoryFreeMB  = "memory_free_mb"
	MetricMemoryUsedPct = "memory_used_percent"
	MetricDiskUsagePct  = "disk_usage_percent"
)

const mib = 1024 * 1024

// Config holds collector settings.
type Config struct {
	Interval time.Duration
	RootPath string
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		RootPath: "/",
	}
}

// Writer persists one reading. *store.Store satisfies it.
type Writer interface {
	Put(ctx context.Context, name string, ts time.Time, value float64) error
}

// Collector samples host load, memory and disk usage on an interval and
// writes the readings to the store. A failed probe is logged and its
// reading skipped; the loop never stops on its own.
type Collector struct {
	cfg    Config
	writer Writer
	logger *zap.Logger
	now    func() time.Time

	loadAvg       func() (*load.AvgStat, error)
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	diskUsage     func(path string) (*disk.UsageStat, error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a collector writing through w.
func New(cfg Config, w Writer, logger *zap.Logger) *Collector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RootPath == "" {
		cfg.RootPath = def.RootPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		cfg:           cfg,
		writer:        w,
		logger:        logger,
		now:           time.Now,
		loadAvg:       load.Avg,
		virtualMemory: mem.VirtualMemory,
		diskUsage:     disk.Usage,
	}
}

// Start launches the sampling loop with an immediate first pass.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("telemetry collector started",
			zap.Duration("interval", c.cfg.Interval),
			zap.String("root", c.cfg.RootPath))
		c.Sample(ctx)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Sample(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight pass.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("telemetry collector stopped")
}

// Sample performs one collection pass and returns the number of
// readings written.
func (c *Collector) Sample(ctx context.Context) int {
	ts := c.now()
	var written int

	if avg, err := c.loadAvg(); err != nil {
		c.logger.Warn("load average unavailable", zap.Error(err))
	} else {
		written += c.put(ctx, MetricCPULoad, ts, avg.Load1)
	}

	if vm, err := c.virtualMemory(); err != nil {
		c.logger.Warn("memory statistics unavailable", zap.Error(err))
	} else {
		written += c.put(ctx, MetricMemoryFreeMB, ts, float64(vm.Available)/mib)
		written += c.put(ctx, MetricMemoryUsedPct, ts, vm.UsedPercent)
	}

	if usage, err := c.diskUsage(c.cfg.RootPath); err != nil {
		c.logger.Warn("disk usage unavailable",
			zap.String("path", c.cfg.RootPath), zap.Error(err))
	} else {
		written += c.put(ctx, MetricDiskUsagePct, ts, usage.UsedPercent)
	}

	return written
}

func (c *Collector) put(ctx context.Context, name string, ts time.Time, value float64) int {
	if err := c.writer.Put(ctx, name, ts, value); err != nil {
		c.logger.Warn("sample not written",
			zap.String("metric", name), zap.Error(err))
		return 0
	}
	return 1
}
