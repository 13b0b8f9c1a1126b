package arousal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Activity record keys, one task type per level.
const (
	taskDrowsy = "drowsy_analysis"
	taskAware  = "aware_analysis"
	taskAlert  = "alert_analysis"
	taskFull   = "full_analysis"
)

var taskCadence = map[string]time.Duration{
	taskDrowsy: 8 * time.Hour,
	taskAware:  4 * time.Hour,
	taskAlert:  time.Hour,
	taskFull:   15 * time.Minute,
}

func taskForLevel(level Level) (string, bool) {
	switch level {
	case Drowsy:
		return taskDrowsy, true
	case Aware:
		return taskAware, true
	case Alert:
		return taskAlert, true
	case FullyAwake:
		return taskFull, true
	default:
		return "", false
	}
}

// RunStateTasks runs the current level's analysis task if its cadence
// gate has elapsed. DORMANT runs nothing. Task findings update the
// evidence snapshot and may escalate or de-escalate the level.
func (c *Controller) RunStateTasks(ctx context.Context) {
	c.mu.RLock()
	level := c.level
	task, ok := taskForLevel(level)
	var last time.Time
	var ran bool
	if ok {
		last, ran = c.activity[task]
	}
	c.mu.RUnlock()
	if !ok {
		return
	}
	if ran && c.now().Sub(last) < taskCadence[task] {
		return
	}

	switch level {
	case Drowsy:
		c.runDrowsyAnalysis(ctx)
	case Aware:
		c.runAwareAnalysis(ctx)
	case Alert:
		c.runAlertAnalysis(ctx)
	case FullyAwake:
		c.runFullAnalysis(ctx)
	}
}

// scanReport accumulates evidence across the scanned metrics. A metric
// whose history cannot be loaded is counted neither as scanned nor as
// an issue.
type scanReport struct {
	scanned  int
	issues   int
	critical bool
	details  []string
}

// scanMetrics runs anomaly detection over each metric's recent history,
// optionally adding trend significance as velocity evidence. A critical
// finding is a z-score beyond twice the configured threshold.
func (c *Controller) scanMetrics(ctx context.Context, metrics []string, sinceDays int, withTrend bool) scanReport {
	var rep scanReport
	for _, metric := range metrics {
		samples, err := c.deps.Source.History(ctx, metric, sinceDays)
		if err != nil {
			c.logger.Warn("metric history unavailable",
				zap.String("metric", metric), zap.Error(err))
			continue
		}
		rep.scanned++

		anomalies := c.deps.Analyzer.Anomalies(samples, c.cfg.Analysis.ZThreshold)
		if anomalies.Available && anomalies.Detected {
			rep.issues++
			rep.details = append(rep.details, fmt.Sprintf("%s: %d anomalies, max |z| %.2f",
				metric, len(anomalies.Findings), anomalies.MaxAbsZ()))
			if anomalies.MaxAbsZ() > 2*c.cfg.Analysis.ZThreshold {
				rep.critical = true
			}
		}

		if withTrend {
			sig := c.deps.Analyzer.TrendSignificance(samples)
			if sig.Available && sig.Significant {
				rep.issues++
				rep.details = append(rep.details, fmt.Sprintf("%s: %s %.1f%%/day, %s",
					metric, sig.Direction, sig.PercentChangePerDay, sig.Classification))
			}
		}
	}
	return rep
}

// commitScan stores the findings, stamps the activity record and writes
// a finding event when there is anything to report. A scan that reached
// no metric at all is not committed, so a stalled collaborator leaves
// the activity record untouched and the forced decay can catch it.
func (c *Controller) commitScan(ctx context.Context, task string, rep scanReport) bool {
	if rep.scanned == 0 {
		c.logger.Warn("level task reached no metric history, findings not committed",
			zap.String("task", task))
		return false
	}

	f := Findings{Issues: rep.issues, Critical: rep.critical, CheckedAt: c.now()}
	c.setFindings(f, task)
	c.logger.Debug("level task completed",
		zap.String("task", task),
		zap.Int("issues", rep.issues),
		zap.Bool("critical", rep.critical))

	if c.deps.Sink != nil && (rep.issues > 0 || rep.critical) {
		severity := "warning"
		if rep.critical {
			severity = "critical"
		}
		err := c.deps.Sink.RecordEvent(ctx, "analysis_finding", severity,
			strings.Join(rep.details, "; "),
			map[string]any{"task": task, "issues": rep.issues, "critical": rep.critical})
		if err != nil {
			c.logger.Warn("finding not recorded to sink", zap.Error(err))
		}
	}
	return true
}

// runDrowsyAnalysis is the light scan: anomalies on the first tracked
// metric only. Any anomaly wakes the controller further.
func (c *Controller) runDrowsyAnalysis(ctx context.Context) {
	rep := c.scanMetrics(ctx, c.cfg.Metrics[:1], c.cfg.HistoryDays, false)
	if !c.commitScan(ctx, taskDrowsy, rep) {
		return
	}
	if rep.issues >= 1 {
		c.ChangeState(ctx, Aware, "anomaly detected during light scan")
	}
}

// runAwareAnalysis scans every tracked metric; two or more concurrent
// issues escalate.
func (c *Controller) runAwareAnalysis(ctx context.Context) {
	rep := c.scanMetrics(ctx, c.cfg.Metrics, c.cfg.HistoryDays, false)
	if !c.commitScan(ctx, taskAware, rep) {
		return
	}
	if rep.issues >= 2 {
		c.ChangeState(ctx, Alert, "multiple issues detected")
	}
}

// runAlertAnalysis adds trend significance to the scan. Three issues or
// any critical finding escalate to the top level.
func (c *Controller) runAlertAnalysis(ctx context.Context) {
	rep := c.scanMetrics(ctx, c.cfg.Metrics, c.cfg.HistoryDays, true)
	if !c.commitScan(ctx, taskAlert, rep) {
		return
	}
	switch {
	case rep.critical:
		c.ChangeState(ctx, FullyAwake, "critical condition detected")
	case rep.issues >= 3:
		c.ChangeState(ctx, FullyAwake, "multiple serious issues")
	}
}

// runFullAnalysis is the broadest pass: anomalies and trends over the
// deep window, periodicity decomposition, a day-ahead forecast per
// metric and a look at the recent log lines. The level is held while
// issues persist and released after half an hour of quiet.
func (c *Controller) runFullAnalysis(ctx context.Context) {
	rep := c.scanMetrics(ctx, c.cfg.Metrics, c.cfg.DeepHistoryDays, true)

	for _, metric := range c.cfg.Metrics {
		samples, err := c.deps.Source.History(ctx, metric, c.cfg.DeepHistoryDays)
		if err != nil {
			continue
		}
		if daily := c.deps.Analyzer.DailyPattern(samples); daily.Available && daily.Detected {
			c.logger.Debug("daily pattern present",
				zap.String("metric", metric),
				zap.Int("peak_hour", daily.PeakHour),
				zap.Float64("strength", daily.Strength))
		}
		if weekly := c.deps.Analyzer.WeeklyPattern(samples); weekly.Available && weekly.Detected {
			c.logger.Debug("weekly pattern present",
				zap.String("metric", metric),
				zap.String("peak_day", weekly.PeakDay.String()),
				zap.Float64("strength", weekly.Strength))
		}
		if c.deps.Forecaster != nil {
			fc, err := c.deps.Forecaster.Forecast(ctx, metric, 24)
			switch {
			case err != nil:
				c.logger.Warn("forecast failed", zap.String("metric", metric), zap.Error(err))
			case fc.Unavailable:
				c.logger.Debug("forecast unavailable",
					zap.String("metric", metric), zap.String("reason", fc.Reason))
			default:
				c.logger.Debug("forecast",
					zap.String("metric", metric),
					zap.Float64("value", fc.ForecastValue),
					zap.String("direction", string(fc.Trend.Direction)))
			}
		}
	}

	if c.deps.Logs != nil {
		lines, err := c.deps.Logs.RecentLines(ctx, 100)
		if err != nil {
			c.logger.Warn("log source unavailable", zap.Error(err))
		} else if n := countErrorLines(lines); n > 0 {
			rep.details = append(rep.details, fmt.Sprintf("logs: %d error lines", n))
			c.logger.Info("errors present in recent logs", zap.Int("lines", n))
		}
	}

	if !c.commitScan(ctx, taskFull, rep) {
		return
	}
	if rep.issues == 0 && !rep.critical {
		if reason, ok := c.ShouldTransition(Alert); ok {
			c.ChangeState(ctx, Alert, reason)
		}
	}
}

func countErrorLines(lines []string) int {
	var n int
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") ||
			strings.Contains(lower, "fatal") ||
			strings.Contains(lower, "panic") {
			n++
		}
	}
	return n
}
