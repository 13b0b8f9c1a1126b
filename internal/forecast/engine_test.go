package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap/zaptest"
)

type staticSource struct {
	samples []store.Sample
	err     error
}

func (s *staticSource) History(_ context.Context, _ string, _ int) ([]store.Sample, error) {
	return s.samples, s.err
}

func newTestEngine(t *testing.T, samples []store.Sample) *Engine {
	t.Helper()
	return New(DefaultConfig(), &staticSource{samples: samples}, zaptest.NewLogger(t))
}

// hourly builds one sample per value, one hour apart.
func hourly(start time.Time, values ...float64) []store.Sample {
	samples := make([]store.Sample, len(values))
	for i, v := range values {
		samples[i] = store.Sample{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Name:      "cpu_load",
			Value:     v,
		}
	}
	return samples
}

func midnight() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func ramp(start, step float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	return values
}

func constant(v float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return values
}

func TestForecastInsufficientData(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), constant(10, 23)...))

	res, err := e.Forecast(context.Background(), "cpu_load", 24)
	require.NoError(t, err)

	assert.True(t, res.Unavailable)
	assert.Equal(t, 24, res.Required)
	assert.Equal(t, 23, res.AvailablePoints)
	assert.Contains(t, res.Reason, "insufficient data")
	assert.Zero(t, res.ForecastValue)
}

func TestForecastDropsNonFiniteValues(t *testing.T) {
	samples := hourly(midnight(), constant(10, 24)...)
	samples[5].Value = math.NaN()
	e := newTestEngine(t, samples)

	res, err := e.Forecast(context.Background(), "cpu_load", 24)
	require.NoError(t, err)

	// One of 24 points is unusable, leaving 23: below the floor.
	assert.True(t, res.Unavailable)
	assert.Equal(t, 23, res.AvailablePoints)
}

func TestForecastSourceError(t *testing.T) {
	e := New(DefaultConfig(), &staticSource{err: errors.New("db closed")}, zaptest.NewLogger(t))

	_, err := e.Forecast(context.Background(), "cpu_load", 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db closed")
}

func TestLinearModelProjection(t *testing.T) {
	// 25 hourly samples rising 10..34: slope 1/hour, last x at 24, so a
	// 24h projection lands on 10 + 48 = 58.
	lin := fitLinear(hourly(midnight(), ramp(10, 1, 25)...))

	assert.InDelta(t, 1.0, lin.slope, 1e-9)
	assert.InDelta(t, 10.0, lin.intercept, 1e-9)
	assert.InDelta(t, 58.0, lin.predict(24), 1e-6)
}

func TestForecastRisingSeries(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), ramp(10, 1, 25)...))

	res, err := e.Forecast(context.Background(), "cpu_load", 24)
	require.NoError(t, err)
	require.False(t, res.Unavailable)

	assert.Equal(t, 34.0, res.CurrentValue)
	assert.Equal(t, 24, res.HoursAhead)
	assert.Equal(t, 25, res.AvailablePoints)

	// Linear and seasonal both project 58; the smoothed level drags the
	// ensemble down but it stays well above the current value.
	assert.Greater(t, res.ForecastValue, res.CurrentValue)
	assert.LessOrEqual(t, res.ForecastValue, 58.0)
	assert.Less(t, res.ConfidenceLow, res.ForecastValue)
	assert.Greater(t, res.ConfidenceHigh, res.ForecastValue)

	assert.Equal(t, "increasing", string(res.Trend.Direction))
	assert.InDelta(t, 1.0, res.Trend.Slope, 1e-9)
	// 1/hour against the last value: 24/34 of 100 percent.
	assert.InDelta(t, 70.588, res.Trend.PercentChangePerDay, 1e-2)
}

func TestForecastDefaultHorizon(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), constant(10, 30)...))

	res, err := e.Forecast(context.Background(), "cpu_load", 0)
	require.NoError(t, err)
	assert.Equal(t, 24, res.HoursAhead)
}

func TestEnsembleWeightsOptimized(t *testing.T) {
	// 100 points is enough for weight optimization: 70 train, 20
	// validation. A constant series scores every model identically, so
	// the shares come out equal.
	e := newTestEngine(t, hourly(midnight(), constant(100, 100)...))

	res, err := e.Forecast(context.Background(), "node_temp", 24)
	require.NoError(t, err)
	require.False(t, res.Unavailable)

	w := res.Weights
	sum := w.Linear + w.Seasonal + w.Exponential
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.GreaterOrEqual(t, w.Linear, 0.1)
	assert.GreaterOrEqual(t, w.Seasonal, 0.1)
	assert.GreaterOrEqual(t, w.Exponential, 0.1)
	assert.InDelta(t, 1.0/3.0, w.Linear, 1e-9)

	assert.InDelta(t, 100.0, res.ForecastValue, 1e-6)
}

func TestEnsembleWithoutExponential(t *testing.T) {
	// A series crossing zero disqualifies exponential smoothing; its
	// default share is redistributed across the other two models.
	e := newTestEngine(t, hourly(midnight(), ramp(10, -1, 30)...))

	res, err := e.Forecast(context.Background(), "node_temp", 6)
	require.NoError(t, err)
	require.False(t, res.Unavailable)

	assert.Zero(t, res.Weights.Exponential)
	assert.InDelta(t, 0.5, res.Weights.Linear, 1e-9)
	assert.InDelta(t, 0.5, res.Weights.Seasonal, 1e-9)
}

func TestSeasonalPredictorScalesByHourRatio(t *testing.T) {
	// Four days split into quiet nights (10) and busy afternoons (30).
	var values []float64
	for day := 0; day < 4; day++ {
		values = append(values, constant(10, 12)...)
		values = append(values, constant(30, 12)...)
	}
	samples := hourly(midnight(), values...)
	lin := fitLinear(samples)
	predict := seasonalPredictor(samples, lin, 72, zaptest.NewLogger(t))

	// Last sample is at hour 23; one hour ahead wraps to hour 0 where
	// the mean is half of the overall mean.
	assert.InDelta(t, lin.predict(1)*0.5, predict(1), 1e-9)
	// Fifteen hours ahead lands at 14:00, a busy hour.
	assert.InDelta(t, lin.predict(15)*1.5, predict(15), 1e-9)
}

func TestSeasonalFallsBackBelowFloor(t *testing.T) {
	samples := hourly(midnight(), ramp(10, 1, 30)...)
	lin := fitLinear(samples)
	predict := seasonalPredictor(samples, lin, 72, zaptest.NewLogger(t))

	assert.InDelta(t, lin.predict(5), predict(5), 1e-9)
}

func TestHourlyRatiosUnseenHourDefaultsToOne(t *testing.T) {
	// 80 daily samples all taken at 03:00.
	samples := make([]store.Sample, 80)
	for i := range samples {
		samples[i] = store.Sample{
			Timestamp: midnight().Add(3*time.Hour + time.Duration(i)*24*time.Hour),
			Name:      "cpu_load",
			Value:     5,
		}
	}
	ratios, err := hourlyRatios(samples, 72)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, ratios[3], 1e-9)
	_, seen := ratios[12]
	assert.False(t, seen)

	lin := fitLinear(samples)
	predict := seasonalPredictor(samples, lin, 72, zaptest.NewLogger(t))
	// Target hour 12 was never sampled, so the ratio defaults to 1.
	assert.InDelta(t, lin.predict(9), predict(9), 1e-9)
}

func TestFitExponential(t *testing.T) {
	t.Run("constant series keeps its level", func(t *testing.T) {
		level, _, err := fitExponential(constant(5, 40))
		require.NoError(t, err)
		assert.InDelta(t, 5.0, level, 1e-9)
	})

	t.Run("short series keeps default alpha", func(t *testing.T) {
		level, alpha, err := fitExponential([]float64{1, 2, 3, 4, 5})
		require.NoError(t, err)
		assert.Equal(t, 0.3, alpha)
		assert.InDelta(t, 3.2269, level, 1e-4)
	})

	t.Run("non-positive value is rejected", func(t *testing.T) {
		_, _, err := fitExponential([]float64{5, 0, 5})
		require.Error(t, err)
	})

	t.Run("negative value is rejected", func(t *testing.T) {
		_, _, err := fitExponential([]float64{5, -1, 5})
		require.Error(t, err)
	})
}

func TestIntervalWidth(t *testing.T) {
	// Short horizons sit on the 5% floor.
	assert.InDelta(t, 0.05, intervalWidth(1, 0), 1e-9)
	// A day out with a calm series: 0.02*sqrt(24).
	assert.InDelta(t, 0.0979795897, intervalWidth(24, 0), 1e-9)
	// Volatile series hit the 30% cap.
	assert.InDelta(t, 0.3, intervalWidth(24, 1.0), 1e-9)

	// Width never shrinks as the horizon grows.
	prev := 0.0
	for h := 1; h <= 168; h++ {
		w := intervalWidth(h, 0.1)
		assert.GreaterOrEqual(t, w, prev)
		prev = w
	}
}

func TestApplyFloor(t *testing.T) {
	tests := []struct {
		metric string
		in     float64
		want   float64
	}{
		{"cpu_load", -1.5, 0},
		{"cpu_load", 2.5, 2.5},
		{"disk_usage_percent", -5, 0},
		{"memory_free_mb", 20, 50},
		{"memory_free_mb", 900, 900},
		{"swap_available_mb", 10, 50},
		{"node_temp", -3, -3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, applyFloor(tt.metric, tt.in), tt.metric)
	}
}

func TestHorizonPath(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), ramp(10, 1, 25)...))

	path, err := e.Horizon(context.Background(), "node_temp", 48)
	require.NoError(t, err)
	require.False(t, path.Unavailable)

	require.Len(t, path.Values, 48)
	assert.Equal(t, 34.0, path.CurrentValue)
	// A rising linear component keeps the whole path rising.
	assert.Greater(t, path.Values[47], path.Values[0])
	assert.Greater(t, path.Values[0], path.CurrentValue)
}

func TestHorizonInsufficientData(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), constant(5, 5)...))

	path, err := e.Horizon(context.Background(), "cpu_load", 24)
	require.NoError(t, err)
	assert.True(t, path.Unavailable)
	assert.Contains(t, path.Reason, "insufficient data")
	assert.Empty(t, path.Values)
}

func TestForecastAppliesFloors(t *testing.T) {
	e := newTestEngine(t, hourly(midnight(), constant(10, 30)...))

	res, err := e.Forecast(context.Background(), "memory_free_mb", 24)
	require.NoError(t, err)
	require.False(t, res.Unavailable)

	assert.Equal(t, 50.0, res.ForecastValue)
	assert.Equal(t, 50.0, res.ConfidenceLow)
	assert.Equal(t, 50.0, res.ConfidenceHigh)
}
