package arousal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// The on-disk document keeps level names and RFC3339 timestamps as
// strings so each field can be validated on its own: one bad entry is
// dropped instead of failing the whole load.
type stateDocument struct {
	State        string               `json:"state"`
	LastUpdated  string               `json:"last_updated"`
	History      []transitionDocument `json:"history"`
	LastActivity map[string]string    `json:"last_activity"`
}

type transitionDocument struct {
	ID        string `json:"id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// loadState restores persisted state into a freshly constructed
// controller. Every failure degrades to defaults with a warning.
func (c *Controller) loadState() {
	if c.cfg.StateFile == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.StateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("state file unreadable, starting dormant",
				zap.String("path", c.cfg.StateFile), zap.Error(err))
		}
		return
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		c.logger.Warn("state file corrupt, starting dormant",
			zap.String("path", c.cfg.StateFile), zap.Error(err))
		return
	}

	if doc.State != "" {
		if level, err := ParseLevel(doc.State); err != nil {
			c.logger.Warn("unknown level in state file, defaulting to DORMANT",
				zap.String("state", doc.State))
		} else {
			c.level = level
		}
	}
	if ts, ok := parseStateTime(doc.LastUpdated); ok {
		c.lastChanged = ts
	}

	for _, td := range doc.History {
		from, fromErr := ParseLevel(td.FromState)
		to, toErr := ParseLevel(td.ToState)
		ts, tsOK := parseStateTime(td.Timestamp)
		if fromErr != nil || toErr != nil || !tsOK {
			c.logger.Warn("dropping malformed history entry",
				zap.String("id", td.ID),
				zap.String("from", td.FromState),
				zap.String("to", td.ToState))
			continue
		}
		c.history = append(c.history, Transition{
			ID:        td.ID,
			From:      from,
			To:        to,
			Reason:    td.Reason,
			Timestamp: ts,
		})
	}
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}

	for name, raw := range doc.LastActivity {
		ts, ok := parseStateTime(raw)
		if !ok {
			c.logger.Warn("dropping malformed activity timestamp",
				zap.String("activity", name), zap.String("value", raw))
			continue
		}
		c.activity[name] = ts
	}

	// Visit times are not persisted separately; the surviving history
	// carries them.
	for _, t := range c.history {
		c.visits[t.To] = t.Timestamp
	}

	c.logger.Info("arousal state restored",
		zap.String("level", c.level.String()),
		zap.Int("history", len(c.history)),
		zap.Int("activities", len(c.activity)))
}

// saveStateLocked writes the state document atomically via a temp file
// rename. Callers hold the controller mutex. Failures are logged and
// the in-memory state stays authoritative. An empty StateFile disables
// persistence.
func (c *Controller) saveStateLocked() {
	if c.cfg.StateFile == "" {
		return
	}

	doc := stateDocument{
		State:        c.level.String(),
		LastUpdated:  c.lastChanged.Format(time.RFC3339Nano),
		History:      make([]transitionDocument, 0, len(c.history)),
		LastActivity: make(map[string]string, len(c.activity)),
	}
	for _, t := range c.history {
		doc.History = append(doc.History, transitionDocument{
			ID:        t.ID,
			FromState: t.From.String(),
			ToState:   t.To.String(),
			Reason:    t.Reason,
			Timestamp: t.Timestamp.Format(time.RFC3339Nano),
		})
	}
	for name, ts := range c.activity {
		doc.LastActivity[name] = ts.Format(time.RFC3339Nano)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		c.logger.Warn("state serialization failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(c.cfg.StateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("state directory not writable",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	tmp := c.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("state write failed", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.cfg.StateFile); err != nil {
		c.logger.Warn("state rename failed",
			zap.String("path", c.cfg.StateFile), zap.Error(err))
	}
}

func parseStateTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
