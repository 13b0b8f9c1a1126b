package arousal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap"
)

// maxHistory is the number of transitions retained in memory and on disk.
const maxHistory = 50

// Transition is one committed level change.
type Transition struct {
	ID        string    `json:"id"`
	From      Level     `json:"from_state"`
	To        Level     `json:"to_state"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Findings is the evidence snapshot left by the most recent level task.
type Findings struct {
	Issues    int       `json:"issues"`
	Critical  bool      `json:"critical"`
	CheckedAt time.Time `json:"checked_at"`
}

// Handler runs synchronously after a transition into the level it is
// registered for.
type Handler interface {
	OnTransition(ctx context.Context, t Transition)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t Transition)

func (f HandlerFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// Notifier receives transitions drained from the queue on the next tick.
type Notifier interface {
	Notify(t Transition)
}

// SeriesSource supplies metric history for level tasks.
type SeriesSource interface {
	History(ctx context.Context, name string, sinceDays int) ([]store.Sample, error)
}

// Forecaster produces ensemble forecasts, consulted by the deepest task.
type Forecaster interface {
	Forecast(ctx context.Context, metric string, hoursAhead int) (*forecast.Result, error)
}

// LogSource exposes recent log lines, consulted only in FULLY_AWAKE.
type LogSource interface {
	RecentLines(ctx context.Context, limit int) ([]string, error)
}

// Sink records transitions and analysis findings durably, best effort.
// *store.Store satisfies it.
type Sink interface {
	RecordStateChange(ctx context.Context, oldState, newState, reason string) error
	RecordEvent(ctx context.Context, evtType, severity, description string, data map[string]any) error
}

// Config holds controller settings. HistoryDays is the scan window for
// the routine level tasks; DeepHistoryDays the wider window used only
// by the FULLY_AWAKE analysis, which also looks for weekly patterns.
type Config struct {
	CheckInterval   time.Duration
	WakeHour        int
	StateFile       string
	QueueSize       int
	Metrics         []string
	HistoryDays     int
	DeepHistoryDays int
	Analysis        analysis.Config
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   time.Minute,
		WakeHour:        3,
		QueueSize:       64,
		Metrics:         []string{"cpu_load", "memory_free_mb", "disk_usage_percent"},
		HistoryDays:     1,
		DeepHistoryDays: 7,
		Analysis:        analysis.DefaultConfig(),
	}
}

// Deps are the controller's collaborators. Logs and Sink may be nil;
// Now defaults to time.Now.
type Deps struct {
	Logger     *zap.Logger
	Source     SeriesSource
	Analyzer   *analysis.Analyzer
	Forecaster Forecaster
	Logs       LogSource
	Sink       Sink
	Now        func() time.Time
}

// Snapshot is a consistent read of the controller state.
type Snapshot struct {
	Level        Level                `json:"level"`
	Since        time.Time            `json:"since"`
	Findings     Findings             `json:"findings"`
	History      []Transition         `json:"history"`
	LastActivity map[string]time.Time `json:"last_activity"`
}

// Controller owns the arousal level. One cooperative loop drives it;
// ticks never overlap. External readers and the API mutate and observe
// it only through the exported methods.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	deps   Deps
	now    func() time.Time

	mu          sync.RWMutex
	level       Level
	lastChanged time.Time
	lastIssueAt time.Time
	findings    Findings
	history     []Transition
	activity    map[string]time.Time
	visits      map[Level]time.Time
	handlers    map[Level][]Handler
	subscribers []Notifier

	queue chan Transition

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a controller and restores persisted state. A missing or
// damaged state file degrades to a dormant default, never an error.
func New(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = def.Metrics
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = def.HistoryDays
	}
	if cfg.DeepHistoryDays <= 0 {
		cfg.DeepHistoryDays = def.DeepHistoryDays
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	c := &Controller{
		cfg:      cfg,
		logger:   deps.Logger,
		deps:     deps,
		now:      deps.Now,
		level:    Dormant,
		activity: make(map[string]time.Time),
		visits:   make(map[Level]time.Time),
		handlers: make(map[Level][]Handler),
		queue:    make(chan Transition, cfg.QueueSize),
	}
	c.loadState()
	return c
}

// Current returns the committed level.
func (c *Controller) Current() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Snapshot returns a copy of the committed state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Level:        c.level,
		Since:        c.lastChanged,
		Findings:     c.findings,
		History:      make([]Transition, len(c.history)),
		LastActivity: make(map[string]time.Time, len(c.activity)),
	}
	copy(snap.History, c.history)
	for k, v := range c.activity {
		snap.LastActivity[k] = v
	}
	return snap
}

// RegisterHandler adds a callback invoked after every transition into
// the given level.
func (c *Controller) RegisterHandler(level Level, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[level] = append(c.handlers[level], h)
}

// Subscribe adds a notification target for drained transitions.
func (c *Controller) Subscribe(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, n)
}

// ChangeState commits a transition to target. Changing to the current
// level is a no-op returning false. On success the transition is
// appended to history, persisted, queued for async notification,
// recorded to the sink and handed to the target level's handlers, in
// that order.
func (c *Controller) ChangeState(ctx context.Context, target Level, reason string) bool {
	c.mu.Lock()
	if target == c.level {
		c.mu.Unlock()
		return false
	}

	now := c.now()
	from := c.level
	t := Transition{
		ID:        uuid.NewString(),
		From:      from,
		To:        target,
		Reason:    reason,
		Timestamp: now,
	}
	c.history = append(c.history, t)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	c.level = target
	c.lastChanged = now
	c.visits[target] = now
	if target == Dormant {
		// Dormancy starts from a clean slate so stale evidence cannot
		// trigger a startle later.
		c.findings = Findings{}
	}
	c.saveStateLocked()
	c.enqueueLocked(t)
	handlers := append([]Handler(nil), c.handlers[target]...)
	c.mu.Unlock()

	if c.deps.Sink != nil {
		if err := c.deps.Sink.RecordStateChange(ctx, from.String(), target.String(), reason); err != nil {
			c.logger.Warn("transition not recorded to sink", zap.Error(err))
		}
	}
	for _, h := range handlers {
		h.OnTransition(ctx, t)
	}

	c.logger.Info("arousal level changed",
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.String("reason", reason))
	return true
}

// enqueueLocked adds the transition to the bounded queue, dropping the
// oldest entry when full.
func (c *Controller) enqueueLocked(t Transition) {
	for {
		select {
		case c.queue <- t:
			return
		default:
			select {
			case dropped := <-c.queue:
				c.logger.Warn("transition queue full, dropping oldest",
					zap.String("dropped_id", dropped.ID))
			default:
			}
		}
	}
}

// ShouldTransition is a pure advisory check of whether moving to target
// is justified right now. It never mutates state. The DORMANT rules are
// asymmetric on purpose: severe evidence may jump straight past the
// intermediate levels, while decay always steps one level at a time.
func (c *Controller) ShouldTransition(target Level) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	f := c.findings
	freshCheck := !f.CheckedAt.IsZero() && !f.CheckedAt.Before(c.lastChanged)

	switch c.level {
	case Dormant:
		switch target {
		case Drowsy:
			last, visited := c.visits[Drowsy]
			if !visited || now.Sub(last) >= 8*time.Hour {
				return "scheduled awakening", true
			}
		case Aware:
			if f.Issues >= 1 {
				return "issues detected", true
			}
		case Alert:
			if f.Issues >= 2 {
				return "multiple issues detected", true
			}
		case FullyAwake:
			if f.Critical {
				return "critical condition detected", true
			}
		}

	case Drowsy:
		switch target {
		case Dormant:
			if freshCheck && f.Issues == 0 {
				return "nothing abnormal found", true
			}
		case Aware:
			if f.Issues >= 1 {
				return "issues detected", true
			}
		case Alert:
			if f.Issues >= 2 {
				return "multiple issues detected", true
			}
		case FullyAwake:
			if f.Critical {
				return "critical condition detected", true
			}
		}

	case Aware:
		switch target {
		case Dormant, Drowsy:
			if freshCheck && f.Issues == 0 {
				return "issues resolved", true
			}
		case Alert:
			if f.Issues >= 2 {
				return "conditions worsening", true
			}
		case FullyAwake:
			if f.Issues >= 3 || f.Critical {
				return "critical condition detected", true
			}
		}

	case Alert:
		switch target {
		case Dormant, Drowsy, Aware:
			if freshCheck && f.Issues == 0 {
				return "conditions improving", true
			}
		case FullyAwake:
			if f.Critical {
				return "critical condition detected", true
			}
		}

	case FullyAwake:
		if target < FullyAwake {
			ref := c.lastIssueAt
			if ref.IsZero() {
				ref = c.lastChanged
			}
			if now.Sub(ref) >= 30*time.Minute {
				return "issue-free for 30 minutes", true
			}
		}
	}
	return "", false
}

// Run starts the cooperative loop on the configured interval.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		c.logger.Info("arousal controller started",
			zap.Duration("check_interval", c.cfg.CheckInterval),
			zap.String("level", c.Current().String()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Tick(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for it, bounded at five seconds.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
		c.logger.Info("arousal controller stopped")
	case <-time.After(5 * time.Second):
		c.logger.Warn("arousal loop did not stop within 5s")
	}
}

// Tick is one cooperative pass: drain queued notifications, run the
// current level's cadence-gated task, then evaluate time-based
// transitions. Analysis and collaborator calls are bounded by a
// per-tick timeout.
func (c *Controller) Tick(ctx context.Context) {
	timeout := c.cfg.CheckInterval / 2
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.dispatchNotifications()
	c.RunStateTasks(tctx)
	c.evaluateTimedTransitions(tctx)
}

// dispatchNotifications drains the transition queue to subscribers
// without blocking.
func (c *Controller) dispatchNotifications() {
	for {
		select {
		case t := <-c.queue:
			c.mu.RLock()
			subs := append([]Notifier(nil), c.subscribers...)
			c.mu.RUnlock()
			for _, n := range subs {
				n.Notify(t)
			}
		default:
			return
		}
	}
}

// evaluateTimedTransitions applies the dormant wake cycle, forced decay
// and the daily scheduled wake. Decay steps exactly one level down.
func (c *Controller) evaluateTimedTransitions(ctx context.Context) {
	c.mu.RLock()
	level := c.level
	lastChanged := c.lastChanged
	drowsyDone, drowsyRan := c.activity[taskDrowsy]
	var lastActivity time.Time
	for _, ts := range c.activity {
		if ts.After(lastActivity) {
			lastActivity = ts
		}
	}
	c.mu.RUnlock()
	now := c.now()

	switch level {
	case Dormant:
		if reason, ok := c.ShouldTransition(Drowsy); ok {
			c.ChangeState(ctx, Drowsy, reason)
		}
	case Drowsy:
		if drowsyRan && !drowsyDone.Before(lastChanged) && now.Sub(drowsyDone) >= 15*time.Minute {
			c.ChangeState(ctx, Dormant, "analysis complete")
		}
	case Aware:
		if now.Sub(lastChanged) >= 8*time.Hour {
			c.ChangeState(ctx, Drowsy, "time limit reached")
		}
	case Alert:
		if now.Sub(lastChanged) >= 4*time.Hour {
			c.ChangeState(ctx, Aware, "time limit reached")
		}
	case FullyAwake:
		if now.Sub(lastChanged) >= time.Hour && now.Sub(lastActivity) >= 30*time.Minute {
			c.ChangeState(ctx, Alert, "time limit reached")
		}
	}

	c.evaluateScheduledWake(ctx, now)
}

// evaluateScheduledWake forces AWARE at the configured hour when AWARE
// has not been visited for a day, whatever the current level.
func (c *Controller) evaluateScheduledWake(ctx context.Context, now time.Time) {
	if now.Hour() != c.cfg.WakeHour {
		return
	}
	c.mu.RLock()
	lastAware, visited := c.visits[Aware]
	c.mu.RUnlock()
	if visited && now.Sub(lastAware) < 24*time.Hour {
		return
	}
	c.ChangeState(ctx, Aware, "scheduled daily wake")
}

// setFindings commits a task's evidence and persists it.
func (c *Controller) setFindings(f Findings, task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = f
	c.activity[task] = f.CheckedAt
	if f.Issues > 0 || f.Critical {
		c.lastIssueAt = f.CheckedAt
	}
	c.saveStateLocked()
}
