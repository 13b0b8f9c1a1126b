package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingWriter struct {
	mu      sync.Mutex
	samples map[string]float64
	err     error
}

func (w *recordingWriter) Put(_ context.Context, name string, _ time.Time, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.samples == nil {
		w.samples = make(map[string]float64)
	}
	w.samples[name] = value
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func stubProbes(c *Collector) {
	c.loadAvg = func() (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 1.5, Load5: 1.2, Load15: 0.9}, nil
	}
	c.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: 2048 * mib, UsedPercent: 75.5}, nil
	}
	c.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{UsedPercent: 42.0}, nil
	}
}

func TestSampleWritesAllMetrics(t *testing.T) {
	w := &recordingWriter{}
	c := New(DefaultConfig(), w, zaptest.NewLogger(t))
	stubProbes(c)

	assert.Equal(t, 4, c.Sample(context.Background()))
	assert.Equal(t, 1.5, w.samples[MetricCPULoad])
	assert.Equal(t, 2048.0, w.samples[MetricMemoryFreeMB])
	assert.Equal(t, 75.5, w.samples[MetricMemoryUsedPct])
	assert.Equal(t, 42.0, w.samples[MetricDiskUsagePct])
}

func TestSampleSkipsFailedProbes(t *testing.T) {
	w := &recordingWriter{}
	c := New(DefaultConfig(), w, zaptest.NewLogger(t))
	stubProbes(c)
	c.loadAvg = func() (*load.AvgStat, error) {
		return nil, errors.New("not supported on this platform")
	}

	assert.Equal(t, 3, c.Sample(context.Background()))
	assert.NotContains(t, w.samples, MetricCPULoad)
	assert.Contains(t, w.samples, MetricDiskUsagePct)
}

func TestSampleToleratesWriterFailure(t *testing.T) {
	w := &recordingWriter{err: errors.New("store closed")}
	c := New(DefaultConfig(), w, zaptest.NewLogger(t))
	stubProbes(c)

	assert.Zero(t, c.Sample(context.Background()))
}

func TestStartSamplesImmediatelyAndStops(t *testing.T) {
	w := &recordingWriter{}
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	c := New(cfg, w, zaptest.NewLogger(t))
	stubProbes(c)

	c.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	c.Stop()
	c.Stop()

	require.Equal(t, 4, w.count())
}
