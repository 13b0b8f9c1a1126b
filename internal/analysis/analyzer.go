package analysis

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Direction classifies where a series is heading.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
	DirectionStable     Direction = "stable"
)

// Config holds analyzer thresholds and minimum point counts.
type Config struct {
	ZThreshold             float64
	MinPointsTrend         int
	MinPointsAnomaly       int
	MinPointsDailyPattern  int
	MinPointsWeeklyPattern int
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		ZThreshold:             2.0,
		MinPointsTrend:         2,
		MinPointsAnomaly:       3,
		MinPointsDailyPattern:  24,
		MinPointsWeeklyPattern: 168,
	}
}

// InsufficientDataError reports a series below an analysis minimum. It is
// internal plumbing between models; public results carry the same facts in
// their Available/Reason fields instead of an error.
type InsufficientDataError struct {
	Analysis  string
	Required  int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s requires %d points, have %d", e.Analysis, e.Required, e.Available)
}

// TrendSummary describes the overall movement of a series. Recomputed on
// demand, never persisted.
type TrendSummary struct {
	Available     bool      `json:"available"`
	Reason        string    `json:"reason,omitempty"`
	Count         int       `json:"count"`
	Current       float64   `json:"current"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Mean          float64   `json:"mean"`
	StdDev        float64   `json:"std_dev"`
	Direction     Direction `json:"direction"`
	Slope         float64   `json:"slope"`
	Intercept     float64   `json:"intercept"`
	ChangeRatePct float64   `json:"change_rate_pct"`
}

// AnomalyFinding is one sample flagged by the z-score test.
type AnomalyFinding struct {
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	ZScore       float64   `json:"z_score"`
	DeviationPct float64   `json:"deviation_pct"`
}

// AnomalyReport is the result of a z-score scan over a series.
type AnomalyReport struct {
	Available bool             `json:"available"`
	Reason    string           `json:"reason,omitempty"`
	Mean      float64          `json:"mean"`
	StdDev    float64          `json:"std_dev"`
	Threshold float64          `json:"threshold"`
	Detected  bool             `json:"detected"`
	Findings  []AnomalyFinding `json:"findings,omitempty"`
}

// MaxAbsZ returns the largest absolute z-score among the findings.
func (r AnomalyReport) MaxAbsZ() float64 {
	var max float64
	for _, f := range r.Findings {
		if z := math.Abs(f.ZScore); z > max {
			max = z
		}
	}
	return max
}

// PeriodStat is the aggregate for one hour-of-day or weekday bucket.
type PeriodStat struct {
	Mean  float64 `json:"mean"`
	Ratio float64 `json:"ratio"`
	Count int     `json:"count"`
}

// DailyPattern is the hour-of-day decomposition of a series.
type DailyPattern struct {
	Available  bool               `json:"available"`
	Reason     string             `json:"reason,omitempty"`
	Detected   bool               `json:"detected"`
	Strength   float64            `json:"strength"`
	PeakHour   int                `json:"peak_hour"`
	PeakMean   float64            `json:"peak_mean"`
	TroughHour int                `json:"trough_hour"`
	TroughMean float64            `json:"trough_mean"`
	Hourly     map[int]PeriodStat `json:"hourly,omitempty"`
}

// WeeklyPattern is the weekday decomposition of a series.
type WeeklyPattern struct {
	Available bool                        `json:"available"`
	Reason    string                      `json:"reason,omitempty"`
	Detected  bool                        `json:"detected"`
	Strength  float64                     `json:"strength"`
	PeakDay   time.Weekday                `json:"peak_day"`
	TroughDay time.Weekday                `json:"trough_day"`
	Daily     map[time.Weekday]PeriodStat `json:"daily,omitempty"`

	// Weekday-vs-weekend comparison, flagged separately.
	WeekdayWeekend bool    `json:"weekday_weekend"`
	WeekdayMean    float64 `json:"weekday_mean"`
	WeekendMean    float64 `json:"weekend_mean"`
	RelativeDiff   float64 `json:"relative_diff"`
}

// Significance classifies the strength and noisiness of a trend.
type Significance struct {
	Available           bool      `json:"available"`
	Reason              string    `json:"reason,omitempty"`
	Significant         bool      `json:"significant"`
	Direction           Direction `json:"direction"`
	Slope               float64   `json:"slope"`
	PercentChangePerDay float64   `json:"percent_change_per_day"`
	Volatility          float64   `json:"volatility"`
	Classification      string    `json:"classification"`
}

// Analyzer computes statistics over metric series. All methods are pure:
// they never mutate the input and below-minimum input yields an
// unavailable result, never a panic.
type Analyzer struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger
}

// New creates an analyzer. Zero config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: normalize(cfg), logger: logger}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = def.ZThreshold
	}
	if cfg.MinPointsTrend < 2 {
		cfg.MinPointsTrend = def.MinPointsTrend
	}
	if cfg.MinPointsAnomaly < 3 {
		cfg.MinPointsAnomaly = def.MinPointsAnomaly
	}
	if cfg.MinPointsDailyPattern < 1 {
		cfg.MinPointsDailyPattern = def.MinPointsDailyPattern
	}
	if cfg.MinPointsWeeklyPattern < 1 {
		cfg.MinPointsWeeklyPattern = def.MinPointsWeeklyPattern
	}
	return cfg
}

// SetConfig replaces the thresholds. Safe under concurrent analysis;
// the config hot reload uses it.
func (a *Analyzer) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = normalize(cfg)
	a.mu.Unlock()
}

func (a *Analyzer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Trend summarizes a series: population statistics, half-over-half
// direction, and with three or more points an OLS slope over hours
// since the first sample.
func (a *Analyzer) Trend(samples []store.Sample) TrendSummary {
	cfg := a.config()
	n := len(samples)
	if n < cfg.MinPointsTrend {
		return TrendSummary{
			Reason: insufficientReason("trend", cfg.MinPointsTrend, n),
			Count:  n,
		}
	}

	values := sampleValues(samples)
	mean := stat.Mean(values, nil)
	summary := TrendSummary{
		Available: true,
		Count:     n,
		Current:   values[n-1],
		Min:       minOf(values),
		Max:       maxOf(values),
		Mean:      mean,
		StdDev:    stat.PopStdDev(values, nil),
		Direction: halfOverHalfDirection(values),
	}

	if n >= 3 {
		xs := hoursSinceFirst(samples)
		intercept, slope := stat.LinearRegression(xs, values, nil, false)
		summary.Slope = slope
		summary.Intercept = intercept
		if mean != 0 {
			summary.ChangeRatePct = slope * 24 / mean * 100
		}
	}
	return summary
}

// Anomalies flags samples whose z-score magnitude exceeds the threshold.
// A zero std dev yields z=0 for every point, so a constant series never
// produces anomalies. A non-positive threshold uses the configured one.
func (a *Analyzer) Anomalies(samples []store.Sample, threshold float64) AnomalyReport {
	cfg := a.config()
	if threshold <= 0 {
		threshold = cfg.ZThreshold
	}
	n := len(samples)
	if n < cfg.MinPointsAnomaly {
		return AnomalyReport{
			Reason:    insufficientReason("anomaly detection", cfg.MinPointsAnomaly, n),
			Threshold: threshold,
		}
	}

	values := sampleValues(samples)
	mean := stat.Mean(values, nil)
	std := stat.PopStdDev(values, nil)

	report := AnomalyReport{
		Available: true,
		Mean:      mean,
		StdDev:    std,
		Threshold: threshold,
	}

	for i, sm := range samples {
		var z float64
		if std != 0 {
			z = stat.StdScore(values[i], mean, std)
		}
		if math.Abs(z) <= threshold {
			continue
		}
		var devPct float64
		if mean != 0 {
			devPct = (sm.Value - mean) / mean * 100
		}
		report.Findings = append(report.Findings, AnomalyFinding{
			Timestamp:    sm.Timestamp,
			Value:        sm.Value,
			ZScore:       z,
			DeviationPct: devPct,
		})
	}
	report.Detected = len(report.Findings) > 0
	return report
}

// DailyPattern groups the series by hour of day and compares per-hour
// means against the overall mean. A pattern is detected when the spread
// between the peak and trough ratios exceeds 0.2.
func (a *Analyzer) DailyPattern(samples []store.Sample) DailyPattern {
	cfg := a.config()
	n := len(samples)
	if n < cfg.MinPointsDailyPattern {
		return DailyPattern{
			Reason: insufficientReason("daily pattern", cfg.MinPointsDailyPattern, n),
		}
	}

	overall := stat.Mean(sampleValues(samples), nil)
	if overall == 0 {
		return DailyPattern{Reason: "series mean is zero"}
	}

	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, sm := range samples {
		h := sm.Timestamp.Hour()
		sums[h] += sm.Value
		counts[h]++
	}

	pattern := DailyPattern{
		Available:  true,
		Hourly:     make(map[int]PeriodStat, len(sums)),
		PeakHour:   -1,
		TroughHour: -1,
	}

	peakRatio := math.Inf(-1)
	troughRatio := math.Inf(1)
	for h, sum := range sums {
		mean := sum / float64(counts[h])
		ratio := mean / overall
		pattern.Hourly[h] = PeriodStat{Mean: mean, Ratio: ratio, Count: counts[h]}

		if ratio > peakRatio {
			peakRatio = ratio
			pattern.PeakHour = h
			pattern.PeakMean = mean
		}
		if ratio < troughRatio {
			troughRatio = ratio
			pattern.TroughHour = h
			pattern.TroughMean = mean
		}
	}

	pattern.Strength = math.Abs(peakRatio - troughRatio)
	pattern.Detected = pattern.Strength > 0.2
	return pattern
}

// WeeklyPattern groups the series by weekday. It requires the configured
// minimum point count and samples from all seven weekdays; the detection
// threshold is 0.15. A weekday-vs-weekend imbalance above 0.1 of the
// overall mean is flagged separately.
func (a *Analyzer) WeeklyPattern(samples []store.Sample) WeeklyPattern {
	cfg := a.config()
	n := len(samples)
	if n < cfg.MinPointsWeeklyPattern {
		return WeeklyPattern{
			Reason: insufficientReason("weekly pattern", cfg.MinPointsWeeklyPattern, n),
		}
	}

	overall := stat.Mean(sampleValues(samples), nil)
	if overall == 0 {
		return WeeklyPattern{Reason: "series mean is zero"}
	}

	sums := make(map[time.Weekday]float64)
	counts := make(map[time.Weekday]int)
	for _, sm := range samples {
		d := sm.Timestamp.Weekday()
		sums[d] += sm.Value
		counts[d]++
	}
	if len(counts) < 7 {
		return WeeklyPattern{
			Reason: fmt.Sprintf("need samples from all 7 weekdays, have %d", len(counts)),
		}
	}

	pattern := WeeklyPattern{
		Available: true,
		Daily:     make(map[time.Weekday]PeriodStat, 7),
	}

	peakRatio := math.Inf(-1)
	troughRatio := math.Inf(1)
	var weekdaySum, weekendSum float64
	var weekdayDays, weekendDays int
	for d, sum := range sums {
		mean := sum / float64(counts[d])
		ratio := mean / overall
		pattern.Daily[d] = PeriodStat{Mean: mean, Ratio: ratio, Count: counts[d]}

		if ratio > peakRatio {
			peakRatio = ratio
			pattern.PeakDay = d
		}
		if ratio < troughRatio {
			troughRatio = ratio
			pattern.TroughDay = d
		}

		if d == time.Saturday || d == time.Sunday {
			weekendSum += mean
			weekendDays++
		} else {
			weekdaySum += mean
			weekdayDays++
		}
	}

	pattern.Strength = math.Abs(peakRatio - troughRatio)
	pattern.Detected = pattern.Strength > 0.15

	pattern.WeekdayMean = weekdaySum / float64(weekdayDays)
	pattern.WeekendMean = weekendSum / float64(weekendDays)
	pattern.RelativeDiff = math.Abs(pattern.WeekdayMean-pattern.WeekendMean) / overall
	pattern.WeekdayWeekend = pattern.RelativeDiff > 0.1
	return pattern
}

// TrendSignificance classifies slope strength and volatility. The daily
// change is measured relative to the first sample; a change above 5% per
// day is significant. Volatility buckets: stable < 0.2, volatile > 0.5.
func (a *Analyzer) TrendSignificance(samples []store.Sample) Significance {
	const minPoints = 3
	n := len(samples)
	if n < minPoints {
		return Significance{
			Reason: insufficientReason("trend significance", minPoints, n),
		}
	}

	values := sampleValues(samples)
	xs := hoursSinceFirst(samples)
	_, slope := stat.LinearRegression(xs, values, nil, false)

	sig := Significance{
		Available: true,
		Slope:     slope,
		Direction: slopeDirection(slope),
	}

	if first := values[0]; first != 0 {
		sig.PercentChangePerDay = slope * 24 / first * 100
	}
	sig.Significant = math.Abs(sig.PercentChangePerDay) > 5

	mean := stat.Mean(values, nil)
	if mean != 0 {
		sig.Volatility = stat.PopStdDev(values, nil) / math.Abs(mean)
	}
	switch {
	case sig.Volatility < 0.2:
		sig.Classification = "stable"
	case sig.Volatility > 0.5:
		sig.Classification = "volatile"
	default:
		sig.Classification = "moderate"
	}
	return sig
}

// Volatility returns std/|mean| for a value slice, zero for a zero mean.
// Shared with the forecast confidence interval.
func Volatility(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := stat.Mean(values, nil)
	if mean == 0 {
		return 0
	}
	return stat.PopStdDev(values, nil) / math.Abs(mean)
}

func insufficientReason(analysis string, required, available int) string {
	return fmt.Sprintf("insufficient data: %s requires %d points, have %d", analysis, required, available)
}

func sampleValues(samples []store.Sample) []float64 {
	values := make([]float64, len(samples))
	for i, sm := range samples {
		values[i] = sm.Value
	}
	return values
}

func hoursSinceFirst(samples []store.Sample) []float64 {
	xs := make([]float64, len(samples))
	first := samples[0].Timestamp
	for i, sm := range samples {
		xs[i] = sm.Timestamp.Sub(first).Hours()
	}
	return xs
}

func halfOverHalfDirection(values []float64) Direction {
	half := len(values) / 2
	if half == 0 {
		return DirectionStable
	}
	firstMean := stat.Mean(values[:half], nil)
	secondMean := stat.Mean(values[half:], nil)
	switch {
	case secondMean > firstMean*1.10:
		return DirectionIncreasing
	case secondMean < firstMean*0.90:
		return DirectionDecreasing
	default:
		return DirectionStable
	}
}

func slopeDirection(slope float64) Direction {
	switch {
	case slope > 0:
		return DirectionIncreasing
	case slope < 0:
		return DirectionDecreasing
	default:
		return DirectionStable
	}
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
