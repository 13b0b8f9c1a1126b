package forecast

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Model names used in weight maps and logs.
const (
	ModelLinear      = "linear"
	ModelSeasonal    = "seasonal"
	ModelExponential = "exponential"
)

const (
	weightFloor = 0.1
	mseFloor    = 1e-10
)

var alphaGrid = []float64{0.1, 0.2, 0.3, 0.5, 0.7, 0.9}

// Config holds forecast engine settings.
type Config struct {
	MinPoints           int
	SeasonalMinPoints   int
	HistoryDays         int
	DefaultHorizonHours int
}

// DefaultConfig returns the default forecast configuration.
func DefaultConfig() Config {
	return Config{
		MinPoints:           24,
		SeasonalMinPoints:   72,
		HistoryDays:         7,
		DefaultHorizonHours: 24,
	}
}

// Source supplies metric history. *store.Store satisfies it.
type Source interface {
	History(ctx context.Context, name string, sinceDays int) ([]store.Sample, error)
}

// Weights is the per-model share of the ensemble, summing to 1.
type Weights struct {
	Linear      float64 `json:"linear"`
	Seasonal    float64 `json:"seasonal"`
	Exponential float64 `json:"exponential"`
}

// Trend is the linear-fit summary attached to a forecast.
type Trend struct {
	Direction           analysis.Direction `json:"direction"`
	Slope               float64            `json:"slope"`
	PercentChangePerDay float64            `json:"percent_change_per_day"`
}

// Result is one ensemble forecast. When the metric lacks enough valid
// points the result is marked Unavailable with the counts filled in and
// every numeric forecast field zero.
type Result struct {
	Metric          string    `json:"metric"`
	GeneratedAt     time.Time `json:"generated_at"`
	Unavailable     bool      `json:"unavailable,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Required        int       `json:"required"`
	AvailablePoints int       `json:"available_points"`
	CurrentValue    float64   `json:"current_value"`
	ForecastValue   float64   `json:"forecast_value"`
	HoursAhead      int       `json:"hours_ahead"`
	ConfidenceLow   float64   `json:"confidence_low"`
	ConfidenceHigh  float64   `json:"confidence_high"`
	Weights         Weights   `json:"weights"`
	Trend           Trend     `json:"trend"`
}

// Path is an hourly projection of one metric: Values[i] is the ensemble
// forecast i+1 hours past the last sample, floors applied.
type Path struct {
	Metric       string    `json:"metric"`
	GeneratedAt  time.Time `json:"generated_at"`
	Unavailable  bool      `json:"unavailable,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CurrentValue float64   `json:"current_value"`
	Values       []float64 `json:"values,omitempty"`
}

// Engine produces ensemble forecasts from stored history.
type Engine struct {
	cfg    Config
	source Source
	logger *zap.Logger
	now    func() time.Time
}

// New creates a forecast engine.
func New(cfg Config, source Source, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, source: source, logger: logger, now: time.Now}
}

// Forecast predicts a metric hoursAhead hours past its last sample. A
// non-positive horizon uses the configured default. Store failures are
// returned as errors; thin history yields an Unavailable result and a
// nil error.
func (e *Engine) Forecast(ctx context.Context, metric string, hoursAhead int) (*Result, error) {
	if hoursAhead <= 0 {
		hoursAhead = e.cfg.DefaultHorizonHours
	}
	f, err := e.fit(ctx, metric)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Metric:          metric,
		GeneratedAt:     f.generatedAt,
		Required:        e.cfg.MinPoints,
		AvailablePoints: f.points,
		HoursAhead:      hoursAhead,
	}
	if f.reason != "" {
		res.Unavailable = true
		res.Reason = f.reason
		return res, nil
	}

	combined := f.at(float64(hoursAhead))
	width := intervalWidth(hoursAhead, f.volatility)

	res.CurrentValue = f.current
	res.ForecastValue = applyFloor(metric, combined)
	res.ConfidenceLow = applyFloor(metric, combined*(1-width))
	res.ConfidenceHigh = applyFloor(metric, combined*(1+width))
	res.Weights = f.weights
	res.Trend = Trend{
		Direction: f.lin.direction(),
		Slope:     f.lin.slope,
	}
	if f.current != 0 {
		res.Trend.PercentChangePerDay = f.lin.slope * 24 / f.current * 100
	}
	return res, nil
}

// Horizon projects a metric across every hour of the next `hours`
// hours, fitting the models once. The maintenance planner walks these
// paths instead of issuing one forecast per slot.
func (e *Engine) Horizon(ctx context.Context, metric string, hours int) (*Path, error) {
	if hours <= 0 {
		hours = e.cfg.DefaultHorizonHours
	}
	f, err := e.fit(ctx, metric)
	if err != nil {
		return nil, err
	}

	path := &Path{Metric: metric, GeneratedAt: f.generatedAt}
	if f.reason != "" {
		path.Unavailable = true
		path.Reason = f.reason
		return path, nil
	}

	path.CurrentValue = f.current
	path.Values = make([]float64, hours)
	for i := range path.Values {
		path.Values[i] = applyFloor(metric, f.at(float64(i+1)))
	}
	return path, nil
}

// fitted bundles one metric's trained models for repeated evaluation.
// A non-empty reason marks the whole fit unavailable.
type fitted struct {
	generatedAt time.Time
	points      int
	reason      string

	current    float64
	volatility float64
	lin        linearFit
	models     map[string]predictor
	weights    Weights
}

func (f *fitted) at(hoursAhead float64) float64 {
	var combined float64
	combined += f.weights.Linear * f.models[ModelLinear](hoursAhead)
	combined += f.weights.Seasonal * f.models[ModelSeasonal](hoursAhead)
	if p, ok := f.models[ModelExponential]; ok {
		combined += f.weights.Exponential * p(hoursAhead)
	}
	return combined
}

func (e *Engine) fit(ctx context.Context, metric string) (*fitted, error) {
	samples, err := e.source.History(ctx, metric, e.cfg.HistoryDays)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", metric, err)
	}
	valid := finiteSamples(samples)

	f := &fitted{generatedAt: e.now().UTC(), points: len(valid)}
	if len(valid) < e.cfg.MinPoints {
		f.reason = fmt.Sprintf("insufficient data: forecast requires %d points, have %d",
			e.cfg.MinPoints, len(valid))
		return f, nil
	}

	values := make([]float64, len(valid))
	for i, sm := range valid {
		values[i] = sm.Value
	}
	f.current = values[len(values)-1]
	f.volatility = analysis.Volatility(values)

	f.lin = fitLinear(valid)
	f.models = map[string]predictor{
		ModelLinear:   f.lin.predict,
		ModelSeasonal: seasonalPredictor(valid, f.lin, e.cfg.SeasonalMinPoints, e.logger),
	}
	if level, alpha, expErr := fitExponential(values); expErr == nil {
		f.models[ModelExponential] = flatPredictor(level)
		e.logger.Debug("exponential model fitted",
			zap.String("metric", metric), zap.Float64("alpha", alpha))
	} else {
		e.logger.Debug("exponential model skipped",
			zap.String("metric", metric), zap.Error(expErr))
	}

	f.weights = e.modelWeights(valid, f.models)
	return f, nil
}

type predictor func(hoursAhead float64) float64

func flatPredictor(level float64) predictor {
	return func(float64) float64 { return level }
}

// linearFit is an OLS line over hours since the first sample.
type linearFit struct {
	slope     float64
	intercept float64
	lastX     float64
	lastHour  int
}

func fitLinear(samples []store.Sample) linearFit {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	first := samples[0].Timestamp
	for i, sm := range samples {
		xs[i] = sm.Timestamp.Sub(first).Hours()
		ys[i] = sm.Value
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	last := samples[len(samples)-1]
	return linearFit{
		slope:     slope,
		intercept: intercept,
		lastX:     xs[len(xs)-1],
		lastHour:  last.Timestamp.Hour(),
	}
}

func (f linearFit) predict(hoursAhead float64) float64 {
	return f.intercept + f.slope*(f.lastX+hoursAhead)
}

func (f linearFit) direction() analysis.Direction {
	switch {
	case f.slope > 0:
		return analysis.DirectionIncreasing
	case f.slope < 0:
		return analysis.DirectionDecreasing
	default:
		return analysis.DirectionStable
	}
}

// seasonalPredictor scales the linear forecast by the hour-of-day ratio
// of the target hour. Below the seasonal floor it degrades to the plain
// linear prediction.
func seasonalPredictor(samples []store.Sample, lin linearFit, minPoints int, logger *zap.Logger) predictor {
	ratios, err := hourlyRatios(samples, minPoints)
	if err != nil {
		logger.Debug("seasonal model falling back to linear", zap.Error(err))
		return lin.predict
	}
	return func(hoursAhead float64) float64 {
		target := (lin.lastHour + int(hoursAhead)) % 24
		if target < 0 {
			target += 24
		}
		ratio, ok := ratios[target]
		if !ok {
			ratio = 1.0
		}
		return lin.predict(hoursAhead) * ratio
	}
}

func hourlyRatios(samples []store.Sample, minPoints int) (map[int]float64, error) {
	if len(samples) < minPoints {
		return nil, &analysis.InsufficientDataError{
			Analysis:  "seasonal forecast",
			Required:  minPoints,
			Available: len(samples),
		}
	}
	var overall float64
	for _, sm := range samples {
		overall += sm.Value
	}
	overall /= float64(len(samples))
	if overall == 0 {
		return nil, fmt.Errorf("seasonal forecast: series mean is zero")
	}

	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, sm := range samples {
		h := sm.Timestamp.Hour()
		sums[h] += sm.Value
		counts[h]++
	}
	ratios := make(map[int]float64, len(sums))
	for h, sum := range sums {
		ratios[h] = sum / float64(counts[h]) / overall
	}
	return ratios, nil
}

// fitExponential smooths the series and returns the final level. The
// alpha is chosen by MSE of a flat projection over a 20% holdout; with
// fewer than 10 training points the default 0.3 is kept. Zero or
// negative values make smoothing ratios meaningless, so those series
// are rejected.
func fitExponential(values []float64) (level, alpha float64, err error) {
	for _, v := range values {
		if v <= 0 {
			return 0, 0, fmt.Errorf("exponential smoothing requires positive values, got %v", v)
		}
	}

	alpha = 0.3
	trainN := len(values) * 80 / 100
	if trainN >= 10 && trainN < len(values) {
		train, holdout := values[:trainN], values[trainN:]
		best := math.Inf(1)
		for _, a := range alphaGrid {
			projected := smooth(train, a)
			var sse float64
			for _, actual := range holdout {
				diff := actual - projected
				sse += diff * diff
			}
			if mse := sse / float64(len(holdout)); mse < best {
				best = mse
				alpha = a
			}
		}
	}
	return smooth(values, alpha), alpha, nil
}

func smooth(values []float64, alpha float64) float64 {
	level := values[0]
	for _, v := range values[1:] {
		level = alpha*v + (1-alpha)*level
	}
	return level
}

// modelWeights returns the ensemble weights. With enough history they
// are fit against a validation window; otherwise the defaults apply.
// Models absent from the ensemble give their share to the rest.
func (e *Engine) modelWeights(samples []store.Sample, models map[string]predictor) Weights {
	raw := map[string]float64{
		ModelLinear:      0.4,
		ModelSeasonal:    0.4,
		ModelExponential: 0.2,
	}
	if optimized, ok := e.optimizeWeights(samples, models); ok {
		raw = optimized
	}

	// Renormalize over the models actually present.
	var total float64
	for name := range models {
		total += raw[name]
	}
	w := Weights{}
	if total == 0 {
		return w
	}
	w.Linear = raw[ModelLinear] / total
	w.Seasonal = raw[ModelSeasonal] / total
	if _, ok := models[ModelExponential]; ok {
		w.Exponential = raw[ModelExponential] / total
	}
	return w
}

// optimizeWeights scores each model on a held-out validation window:
// fit on the first 70% of samples, measure MSE over the following 20%,
// weight by inverse MSE. Every scored model keeps at least 0.1 of the
// total; the remainder is split proportionally.
func (e *Engine) optimizeWeights(samples []store.Sample, models map[string]predictor) (map[string]float64, bool) {
	n := len(samples)
	if n < e.cfg.SeasonalMinPoints {
		return nil, false
	}
	trainN := n * 70 / 100
	valN := n * 20 / 100
	if valN < 12 || trainN < 2 {
		return nil, false
	}
	train := samples[:trainN]
	validation := samples[trainN : trainN+valN]

	trainLin := fitLinear(train)
	trained := map[string]predictor{
		ModelLinear:   trainLin.predict,
		ModelSeasonal: seasonalPredictor(train, trainLin, e.cfg.SeasonalMinPoints, e.logger),
	}
	if _, ok := models[ModelExponential]; ok {
		values := make([]float64, len(train))
		for i, sm := range train {
			values[i] = sm.Value
		}
		if level, _, err := fitExponential(values); err == nil {
			trained[ModelExponential] = flatPredictor(level)
		}
	}

	lastTrain := train[len(train)-1].Timestamp
	inverse := make(map[string]float64, len(trained))
	for name, predict := range trained {
		var sse float64
		for _, sm := range validation {
			h := sm.Timestamp.Sub(lastTrain).Hours()
			diff := sm.Value - predict(h)
			sse += diff * diff
		}
		mse := sse / float64(len(validation))
		if mse < mseFloor {
			mse = mseFloor
		}
		inverse[name] = 1 / mse
	}

	var total float64
	for _, v := range inverse {
		total += v
	}
	if total == 0 {
		return nil, false
	}

	// Guarantee the floor, then share what remains by score.
	spare := 1 - weightFloor*float64(len(inverse))
	weights := make(map[string]float64, len(inverse))
	for name, v := range inverse {
		weights[name] = weightFloor + spare*v/total
	}
	return weights, true
}

// intervalWidth grows with the square root of the horizon and with
// series volatility, clamped to [0.05, 0.3] of the forecast value.
func intervalWidth(hoursAhead int, volatility float64) float64 {
	base := 0.02 * math.Sqrt(float64(hoursAhead))
	if base < 0.05 {
		base = 0.05
	}
	width := base * (1 + 5*volatility)
	if width > 0.3 {
		width = 0.3
	}
	return width
}

// applyFloor clamps forecasts to physical bounds inferred from the
// metric name: loads and usages cannot go negative, free/available
// capacity is never predicted below 50.
func applyFloor(metric string, v float64) float64 {
	name := strings.ToLower(metric)
	switch {
	case strings.Contains(name, "load") || strings.Contains(name, "usage"):
		return math.Max(0, v)
	case strings.Contains(name, "free") || strings.Contains(name, "available"):
		return math.Max(50, v)
	default:
		return v
	}
}

func finiteSamples(samples []store.Sample) []store.Sample {
	valid := samples[:0:0]
	for _, sm := range samples {
		if math.IsNaN(sm.Value) || math.IsInf(sm.Value, 0) {
			continue
		}
		valid = append(valid, sm)
	}
	return valid
}
