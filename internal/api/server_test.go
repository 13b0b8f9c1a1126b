package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/arousal"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/metrics"
	"github.com/vigilsh/vigil/internal/schedule"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap/zaptest"
)

type fakeController struct {
	level     arousal.Level
	snap      arousal.Snapshot
	changed   bool
	gotLevel  arousal.Level
	gotReason string
}

func (f *fakeController) Current() arousal.Level     { return f.level }
func (f *fakeController) Snapshot() arousal.Snapshot { return f.snap }

func (f *fakeController) ChangeState(_ context.Context, target arousal.Level, reason string) bool {
	f.gotLevel = target
	f.gotReason = reason
	return f.changed
}

type fakeStore struct {
	history  map[string][]store.Sample
	events   []store.Event
	pingErr  error
	histErr  error
	gotDays  int
	gotLimit int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) History(_ context.Context, name string, sinceDays int) ([]store.Sample, error) {
	f.gotDays = sinceDays
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history[name], nil
}

func (f *fakeStore) MetricNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.history))
	for name := range f.history {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeStore) RecentEvents(_ context.Context, limit int) ([]store.Event, error) {
	f.gotLimit = limit
	if limit > len(f.events) {
		limit = len(f.events)
	}
	return f.events[:limit], nil
}

func (f *fakeStore) SizeMB(context.Context) (float64, error) { return 1.5, nil }

type stubForecaster struct {
	result    *forecast.Result
	err       error
	gotMetric string
	gotHours  int
}

func (f *stubForecaster) Forecast(_ context.Context, metric string, hoursAhead int) (*forecast.Result, error) {
	f.gotMetric = metric
	f.gotHours = hoursAhead
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type stubPlanner struct {
	plan     *schedule.Schedule
	err      error
	panicMsg string
}

func (f *stubPlanner) Plan(context.Context) (*schedule.Schedule, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

type serverFixture struct {
	s          *Server
	controller *fakeController
	store      *fakeStore
	forecaster *stubForecaster
	planner    *stubPlanner
	exporter   *metrics.Exporter
}

func hourlySamples(name string, end time.Time, values ...float64) []store.Sample {
	out := make([]store.Sample, len(values))
	start := end.Add(-time.Duration(len(values)-1) * time.Hour)
	for i, v := range values {
		out[i] = store.Sample{Name: name, Timestamp: start.Add(time.Duration(i) * time.Hour), Value: v}
	}
	return out
}

func newServerFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	end := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	spiked := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 100}

	fx := &serverFixture{
		controller: &fakeController{
			level:   arousal.Aware,
			changed: true,
			snap: arousal.Snapshot{
				Level:    arousal.Aware,
				Since:    end.Add(-30 * time.Minute),
				Findings: arousal.Findings{Issues: 1, CheckedAt: end},
				History: []arousal.Transition{
					{ID: "t1", From: arousal.Dormant, To: arousal.Drowsy, Reason: "scheduled awakening", Timestamp: end.Add(-time.Hour)},
					{ID: "t2", From: arousal.Drowsy, To: arousal.Aware, Reason: "anomaly detected during light scan", Timestamp: end.Add(-30 * time.Minute)},
				},
			},
		},
		store: &fakeStore{
			history: map[string][]store.Sample{
				"cpu_load": hourlySamples("cpu_load", end, spiked...),
			},
			events: []store.Event{
				{ID: "e1", Type: "state_change", Severity: "info", Description: "DORMANT -> DROWSY"},
				{ID: "e2", Type: "analysis_finding", Severity: "warning", Description: "anomaly on cpu_load"},
				{ID: "e3", Type: "state_change", Severity: "info", Description: "DROWSY -> AWARE"},
			},
		},
		forecaster: &stubForecaster{
			result: &forecast.Result{Metric: "cpu_load", HoursAhead: 12, CurrentValue: 10, ForecastValue: 12},
		},
		planner:  &stubPlanner{plan: &schedule.Schedule{GeneratedAt: end}},
		exporter: metrics.New(),
	}

	fx.s = New(cfg, Deps{
		Controller: fx.controller,
		Store:      fx.store,
		Analyzer:   analysis.New(analysis.Config{}, zaptest.NewLogger(t)),
		Forecaster: fx.forecaster,
		Planner:    fx.planner,
		Exporter:   fx.exporter,
	}, zaptest.NewLogger(t))
	return fx
}

func (fx *serverFixture) get(t *testing.T, target string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	return fx.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func (fx *serverFixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	fx.s.Handler().ServeHTTP(rec, req)

	var envelope Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	return rec, envelope
}

func TestStatusEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec, envelope := fx.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AWARE", data["level"])
	assert.Equal(t, []any{"cpu_load"}, data["metrics"])
	assert.Equal(t, 1.5, data["store_size_mb"])

	transitions, ok := data["recent_transitions"].([]any)
	require.True(t, ok)
	assert.Len(t, transitions, 2)
}

func TestHealthReportsStoreFailure(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.store.pingErr = errors.New("database is locked")

	rec, envelope := fx.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	data := envelope.Data.(map[string]any)
	assert.Equal(t, "degraded", data["status"])
	checks := data["checks"].(map[string]any)
	assert.Equal(t, false, checks["store"])
}

func TestTrendEndpointDefaults(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec, envelope := fx.get(t, "/api/v1/metrics/cpu_load/trend")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)
	assert.Equal(t, 7, fx.store.gotDays)

	data := envelope.Data.(map[string]any)
	assert.Equal(t, "cpu_load", data["metric"])
	assert.Contains(t, data, "trend")
	assert.Contains(t, data, "significance")

	_, _ = fx.get(t, "/api/v1/metrics/cpu_load/trend?days=30")
	assert.Equal(t, 30, fx.store.gotDays)
}

func TestTrendEndpointStoreError(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.store.histErr = errors.New("database is locked")

	rec, envelope := fx.get(t, "/api/v1/metrics/cpu_load/trend")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "history unavailable", envelope.Error)
}

// A spiked series through the anomaly endpoint and a forecast call
// should both leave traces on the Prometheus registry.
func TestEndpointActivityReachesExporter(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec, envelope := fx.get(t, "/api/v1/metrics/cpu_load/anomalies")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	rec, envelope = fx.get(t, "/api/v1/forecast/cpu_load?hours=12")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)
	assert.Equal(t, "cpu_load", fx.forecaster.gotMetric)
	assert.Equal(t, 12, fx.forecaster.gotHours)

	scrape := httptest.NewRecorder()
	fx.s.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, scrape.Code)
	body := scrape.Body.String()
	assert.Contains(t, body, `vigil_anomalies_detected_total{metric="cpu_load"} 1`)
	assert.Contains(t, body, "vigil_forecasts_total 1")
}

func TestForecastFailure(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.forecaster.err = errors.New("store unavailable")

	rec, envelope := fx.get(t, "/api/v1/forecast/cpu_load")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "forecast failed", envelope.Error)
}

func TestScheduleEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec, envelope := fx.get(t, "/api/v1/schedule")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	fx.planner.err = errors.New("no history")
	rec, envelope = fx.get(t, "/api/v1/schedule")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "schedule unavailable", envelope.Error)
}

func TestPanicBecomesServerError(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.planner.panicMsg = "planner exploded"

	rec, envelope := fx.get(t, "/api/v1/schedule")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "internal server error", envelope.Error)
}

func TestEventsLimit(t *testing.T) {
	fx := newServerFixture(t, nil)

	_, envelope := fx.get(t, "/api/v1/events")
	assert.Equal(t, 50, fx.store.gotLimit)
	data := envelope.Data.(map[string]any)
	assert.Len(t, data["events"], 3)

	_, envelope = fx.get(t, "/api/v1/events?limit=2")
	assert.Equal(t, 2, fx.store.gotLimit)
	data = envelope.Data.(map[string]any)
	assert.Len(t, data["events"], 2)
}

func TestStateChangeEndpoint(t *testing.T) {
	const secret = "test-secret"

	t.Run("open when no secret configured", func(t *testing.T) {
		fx := newServerFixture(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"ALERT","reason":"disk filling"}`))
		rec, envelope := fx.do(t, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, envelope.Success)
		assert.Equal(t, arousal.Alert, fx.controller.gotLevel)
		assert.Equal(t, "disk filling", fx.controller.gotReason)

		data := envelope.Data.(map[string]any)
		assert.Equal(t, true, data["changed"])
		assert.Equal(t, "ALERT", data["level"])
	})

	t.Run("default reason", func(t *testing.T) {
		fx := newServerFixture(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"DORMANT"}`))
		rec, _ := fx.do(t, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "operator request", fx.controller.gotReason)
	})

	t.Run("rejected without token", func(t *testing.T) {
		fx := newServerFixture(t, func(cfg *Config) { cfg.AuthSecret = secret })

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"ALERT"}`))
		rec, envelope := fx.do(t, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "missing bearer token", envelope.Error)
	})

	t.Run("rejected with mangled token", func(t *testing.T) {
		fx := newServerFixture(t, func(cfg *Config) { cfg.AuthSecret = secret })

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"ALERT"}`))
		req.Header.Set("Authorization", "Bearer not.a.token")
		rec, envelope := fx.do(t, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "invalid bearer token", envelope.Error)
	})

	t.Run("accepted with issued token", func(t *testing.T) {
		fx := newServerFixture(t, func(cfg *Config) { cfg.AuthSecret = secret })

		token, err := IssueToken([]byte(secret), "ops", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"ALERT"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec, envelope := fx.do(t, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, envelope.Success)
		assert.Equal(t, arousal.Alert, fx.controller.gotLevel)
	})

	t.Run("unknown level", func(t *testing.T) {
		fx := newServerFixture(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":"NAPPING"}`))
		rec, envelope := fx.do(t, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, envelope.Success)
	})

	t.Run("malformed body", func(t *testing.T) {
		fx := newServerFixture(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/state",
			strings.NewReader(`{"level":`))
		rec, envelope := fx.do(t, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid request body", envelope.Error)
	})
}

func TestRateLimitExceeded(t *testing.T) {
	fx := newServerFixture(t, func(cfg *Config) {
		cfg.RateLimitPerSecond = 1
		cfg.RateBurst = 1
	})

	rec, _ := fx.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, envelope := fx.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", envelope.Error)
}

func TestShutdownWithoutStart(t *testing.T) {
	fx := newServerFixture(t, nil)
	assert.NoError(t, fx.s.Shutdown(context.Background()))
}
