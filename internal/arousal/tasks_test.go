package arousal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap/zaptest"
)

type fakeForecaster struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeForecaster) Forecast(_ context.Context, metric string, hoursAhead int) (*forecast.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &forecast.Result{
		Metric:        metric,
		HoursAhead:    hoursAhead,
		CurrentValue:  10,
		ForecastValue: 10,
	}, nil
}

type fakeLogSource struct {
	mu    sync.Mutex
	lines []string
	calls int
}

func (s *fakeLogSource) RecentLines(_ context.Context, _ int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.lines, nil
}

func rampValues(start, step float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	return values
}

func TestDrowsyTaskEscalatesOnAnomaly(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), spikedValues()...))

	require.True(t, fx.c.ChangeState(ctx, Drowsy, "scheduled awakening"))
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)

	assert.Equal(t, Aware, fx.c.Current())
	snap := fx.c.Snapshot()
	assert.Equal(t, 1, snap.Findings.Issues)
	assert.False(t, snap.Findings.Critical)
	history := snap.History
	assert.Equal(t, "anomaly detected during light scan", history[len(history)-1].Reason)
	assert.Contains(t, fx.sink.events, "analysis_finding:warning")
}

func TestDrowsyTaskScansFirstMetricOnly(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	// Trouble on the second metric is invisible to the light scan.
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), flatValues(10, 10)...))
	fx.src.set("memory_free_mb", seriesEndingAt(fx.clock.Now(), spikedValues()...))

	require.True(t, fx.c.ChangeState(ctx, Drowsy, "scheduled awakening"))
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)

	assert.Equal(t, Drowsy, fx.c.Current())
	assert.Zero(t, fx.c.Snapshot().Findings.Issues)
}

func TestAwareTaskEscalatesOnTwoIssues(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), spikedValues()...))
	fx.src.set("memory_free_mb", seriesEndingAt(fx.clock.Now(), spikedValues()...))

	require.True(t, fx.c.ChangeState(ctx, Aware, "issues detected"))
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)

	assert.Equal(t, Alert, fx.c.Current())
	snap := fx.c.Snapshot()
	assert.Equal(t, 2, snap.Findings.Issues)
	history := snap.History
	assert.Equal(t, "multiple issues detected", history[len(history)-1].Reason)
}

func TestAwareTaskHoldsOnSingleIssue(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	// One anomalous metric; the other has no history at all, which
	// counts as scanned but clean.
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), spikedValues()...))

	require.True(t, fx.c.ChangeState(ctx, Aware, "issues detected"))
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)

	assert.Equal(t, Aware, fx.c.Current())
	assert.Equal(t, 1, fx.c.Snapshot().Findings.Issues)
}

func TestAlertTaskEscalation(t *testing.T) {
	tests := []struct {
		name       string
		metrics    map[string][]float64
		wantLevel  Level
		wantIssues int
	}{
		{
			// The spike is both an anomaly and, through the slope it
			// induces, a significant trend: two issues, one critical.
			name: "critical anomaly jumps to the top",
			metrics: map[string][]float64{
				"cpu_load":       criticalValues(),
				"memory_free_mb": flatValues(10, 10),
			},
			wantLevel:  FullyAwake,
			wantIssues: 2,
		},
		{
			name: "three significant trends jump to the top",
			metrics: map[string][]float64{
				"cpu_load":           rampValues(100, 1, 24),
				"memory_free_mb":     rampValues(2000, -20, 24),
				"disk_usage_percent": rampValues(50, 0.5, 24),
			},
			wantLevel:  FullyAwake,
			wantIssues: 3,
		},
		{
			name: "two issues hold the level",
			metrics: map[string][]float64{
				"cpu_load":       rampValues(100, 1, 24),
				"memory_free_mb": rampValues(2000, -20, 24),
			},
			wantLevel:  Alert,
			wantIssues: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := make([]string, 0, len(tt.metrics))
			for name := range tt.metrics {
				names = append(names, name)
			}
			fx := newFixture(t, func(cfg *Config) { cfg.Metrics = names })
			ctx := context.Background()
			for name, values := range tt.metrics {
				fx.src.set(name, seriesEndingAt(fx.clock.Now(), values...))
			}

			require.True(t, fx.c.ChangeState(ctx, Alert, "conditions worsening"))
			fx.clock.Advance(time.Minute)
			fx.c.Tick(ctx)

			assert.Equal(t, tt.wantLevel, fx.c.Current())
			assert.Equal(t, tt.wantIssues, fx.c.Snapshot().Findings.Issues)
		})
	}
}

func TestFullyAwakeReleasesAfterQuiet(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), flatValues(10, 10)...))
	fx.src.set("memory_free_mb", seriesEndingAt(fx.clock.Now(), flatValues(500, 10)...))

	require.True(t, fx.c.ChangeState(ctx, FullyAwake, "critical condition detected"))

	// A clean pass inside the quiet window holds the level.
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)
	assert.Equal(t, FullyAwake, fx.c.Current())

	// Thirty quiet minutes after entry: the next clean pass releases.
	fx.clock.Advance(30 * time.Minute)
	fx.c.Tick(ctx)
	assert.Equal(t, Alert, fx.c.Current())
	history := fx.c.Snapshot().History
	assert.Equal(t, "issue-free for 30 minutes", history[len(history)-1].Reason)
}

func TestFullAnalysisConsultsCollaborators(t *testing.T) {
	clock := newTestClock()
	src := &fakeSource{history: make(map[string][]store.Sample)}
	src.set("cpu_load", seriesEndingAt(clock.Now(), flatValues(10, 30)...))
	forecaster := &fakeForecaster{}
	logs := &fakeLogSource{lines: []string{"all good", "ERROR disk full", "fatal: oom", "still fine"}}

	cfg := DefaultConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	cfg.Metrics = []string{"cpu_load"}
	logger := zaptest.NewLogger(t)
	c := New(cfg, Deps{
		Logger:     logger,
		Source:     src,
		Analyzer:   analysis.New(cfg.Analysis, logger),
		Forecaster: forecaster,
		Logs:       logs,
		Now:        clock.Now,
	})
	ctx := context.Background()

	require.True(t, c.ChangeState(ctx, FullyAwake, "critical condition detected"))
	clock.Advance(time.Minute)
	c.Tick(ctx)

	assert.Equal(t, FullyAwake, c.Current())
	assert.Equal(t, 1, forecaster.calls)
	assert.Equal(t, 1, logs.calls)
}

func TestTaskCadenceGate(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), flatValues(10, 10)...))
	fx.src.set("memory_free_mb", seriesEndingAt(fx.clock.Now(), flatValues(500, 10)...))

	require.True(t, fx.c.ChangeState(ctx, Aware, "issues detected"))
	fx.clock.Advance(time.Minute)
	fx.c.Tick(ctx)
	first := fx.c.Snapshot().Findings
	require.False(t, first.CheckedAt.IsZero())
	require.Zero(t, first.Issues)

	// The world turns bad, but the cadence gate keeps the task idle.
	fx.src.set("cpu_load", seriesEndingAt(fx.clock.Now(), spikedValues()...))
	fx.src.set("memory_free_mb", seriesEndingAt(fx.clock.Now(), spikedValues()...))
	fx.clock.Advance(30 * time.Minute)
	fx.c.Tick(ctx)
	assert.Equal(t, Aware, fx.c.Current())
	assert.True(t, fx.c.Snapshot().Findings.CheckedAt.Equal(first.CheckedAt))

	// Past the cadence the task runs and sees the trouble.
	fx.clock.Advance(4 * time.Hour)
	fx.c.Tick(ctx)
	assert.Equal(t, Alert, fx.c.Current())
	assert.Equal(t, 2, fx.c.Snapshot().Findings.Issues)
}

func TestCountErrorLines(t *testing.T) {
	lines := []string{
		"INFO started",
		"ERROR disk full",
		"Fatal: out of memory",
		"panic: nil pointer",
		"warning only",
	}
	assert.Equal(t, 3, countErrorLines(lines))
}
