package schedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vigilsh/vigil/internal/forecast"
	"go.uber.org/zap"
)

// Resource metrics consulted for every slot.
const (
	MetricCPULoad    = "cpu_load"
	MetricMemoryFree = "memory_free_mb"
	MetricDiskUsage  = "disk_usage_percent"
)

// Fixed maintenance catalogue, in assignment order.
const (
	ActivityLogRotation   = "log_rotation"
	ActivityMemoryCleanup = "memory_cleanup"
	ActivitySecurityScan  = "security_scan"
	ActivitySystemBackup  = "system_backup"
)

// Config holds planner settings.
type Config struct {
	Days int
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{Days: 7}
}

// Forecaster projects a metric across an hourly horizon. The forecast
// engine satisfies it.
type Forecaster interface {
	Horizon(ctx context.Context, metric string, hours int) (*forecast.Path, error)
}

// Slot is one hour of the planning grid.
type Slot struct {
	Timestamp  time.Time          `json:"timestamp"`
	Day        int                `json:"day"`
	Hour       int                `json:"hour"`
	Forecasts  map[string]float64 `json:"forecasts"`
	Score      float64            `json:"score"`
	Activities []string           `json:"activities,omitempty"`
}

// Schedule is the planner output: only the occupied slots, in
// chronological order, plus the activities that found no slot.
type Schedule struct {
	GeneratedAt time.Time `json:"generated_at"`
	Slots       []Slot    `json:"slots"`
	Unscheduled []string  `json:"unscheduled,omitempty"`
}

type activity struct {
	name string
	fits func(Slot) bool
}

func catalogue() []activity {
	return []activity{
		{ActivityLogRotation, func(s Slot) bool {
			disk, ok := s.Forecasts[MetricDiskUsage]
			return ok && disk > 70
		}},
		{ActivityMemoryCleanup, func(s Slot) bool {
			free, ok := s.Forecasts[MetricMemoryFree]
			return ok && free < 500
		}},
		{ActivitySecurityScan, func(s Slot) bool {
			cpu, ok := s.Forecasts[MetricCPULoad]
			return ok && cpu < 0.5
		}},
		{ActivitySystemBackup, func(s Slot) bool {
			return s.Score > 200
		}},
	}
}

// Planner turns resource forecasts into a slotted maintenance plan.
type Planner struct {
	cfg        Config
	forecaster Forecaster
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a planner.
func New(cfg Config, forecaster Forecaster, logger *zap.Logger) *Planner {
	if cfg.Days <= 0 {
		cfg.Days = DefaultConfig().Days
	}
	return &Planner{cfg: cfg, forecaster: forecaster, logger: logger, now: time.Now}
}

// Plan builds the hourly grid for the configured window, anchored at
// the next full hour, scores every slot and greedily assigns the
// catalogue best-slot-first, one activity per slot. Metrics without a
// usable forecast drop out of scoring, and activities gated on them
// stay unscheduled.
func (p *Planner) Plan(ctx context.Context) (*Schedule, error) {
	now := p.now()
	anchor := now.Truncate(time.Hour).Add(time.Hour)
	hours := p.cfg.Days * 24

	paths := make(map[string][]float64, 3)
	for _, metric := range []string{MetricCPULoad, MetricMemoryFree, MetricDiskUsage} {
		path, err := p.forecaster.Horizon(ctx, metric, hours)
		if err != nil {
			return nil, fmt.Errorf("forecast %s: %w", metric, err)
		}
		if path.Unavailable {
			p.logger.Warn("planning without a metric forecast",
				zap.String("metric", metric),
				zap.String("reason", path.Reason))
			continue
		}
		paths[metric] = path.Values
	}

	slots := make([]Slot, hours)
	for i := range slots {
		ts := anchor.Add(time.Duration(i) * time.Hour)
		slot := Slot{
			Timestamp: ts,
			Day:       i / 24,
			Hour:      ts.Hour(),
			Forecasts: make(map[string]float64, len(paths)),
		}
		for metric, values := range paths {
			if i < len(values) {
				slot.Forecasts[metric] = values[i]
			}
		}
		slot.Score = scoreSlot(slot)
		slots[i] = slot
	}

	// Rank by score; stable keeps equal-scored slots in time order so
	// ties go to the earliest hour.
	ranked := make([]*Slot, len(slots))
	for i := range slots {
		ranked[i] = &slots[i]
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Score > ranked[b].Score })

	sched := &Schedule{GeneratedAt: now.UTC()}
	for _, act := range catalogue() {
		assigned := false
		for _, slot := range ranked {
			if len(slot.Activities) > 0 || !act.fits(*slot) {
				continue
			}
			slot.Activities = append(slot.Activities, act.name)
			assigned = true
			break
		}
		if !assigned {
			sched.Unscheduled = append(sched.Unscheduled, act.name)
		}
	}

	for i := range slots {
		if len(slots[i].Activities) > 0 {
			sched.Slots = append(sched.Slots, slots[i])
		}
	}

	p.logger.Info("maintenance plan generated",
		zap.Int("window_hours", hours),
		zap.Int("scheduled", len(sched.Slots)),
		zap.Strings("unscheduled", sched.Unscheduled))
	return sched, nil
}

// scoreSlot rewards idle CPU, free memory and low disk usage, each
// component clamped to [0,100], plus a bonus for night hours over
// weekend days.
func scoreSlot(slot Slot) float64 {
	var score float64
	if cpu, ok := slot.Forecasts[MetricCPULoad]; ok {
		score += 100 - math.Min(100, cpu*100)
	}
	if free, ok := slot.Forecasts[MetricMemoryFree]; ok {
		score += math.Min(100, free/10)
	}
	if disk, ok := slot.Forecasts[MetricDiskUsage]; ok {
		score += 100 - math.Min(100, disk)
	}
	return score + timeBonus(slot.Timestamp)
}

func timeBonus(ts time.Time) float64 {
	if h := ts.Hour(); h < 7 || h >= 19 {
		return 50
	}
	if d := ts.Weekday(); d == time.Saturday || d == time.Sunday {
		return 25
	}
	return 0
}
