package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Store persists metric samples, events and state history. Reads hold a
// shared lock; Cleanup and SizeCheck hold the exclusive lock so they never
// run concurrently with a read.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
	dsn    string

	mu sync.RWMutex
}

// Config holds store settings.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Sample is one time-stamped scalar observation of a named metric.
type Sample struct {
	Name      string    `json:"metric_name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Event is an append-only log entry for notable occurrences.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"event_type"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// CleanupResult reports rows removed by a cleanup pass.
type CleanupResult struct {
	MetricsRemoved int64 `json:"metrics_removed"`
	EventsRemoved  int64 `json:"events_removed"`
	StatesRemoved  int64 `json:"states_removed"`
}

// SizeReport describes a size check and any cleanup it triggered.
type SizeReport struct {
	SizeMB      float64       `json:"size_mb"`
	MaxSizeMB   int           `json:"max_size_mb"`
	Cleaned     bool          `json:"cleaned"`
	SizeAfterMB float64       `json:"size_after_mb"`
	Removed     CleanupResult `json:"removed"`
}

// New opens the database, configures the pool and initializes the schema.
func New(logger *zap.Logger, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; a single connection avoids lock errors.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{
		logger: logger,
		db:     db,
		driver: cfg.Driver,
		dsn:    cfg.DSN,
	}

	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Metric store ready",
		zap.String("driver", cfg.Driver),
	)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put upserts one sample keyed by (timestamp, name). Non-finite values
// are dropped: logged at warn, nil returned, so a bad reading never
// poisons the series or the caller.
func (s *Store) Put(ctx context.Context, name string, ts time.Time, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		s.logger.Warn("Dropping non-finite metric value",
			zap.String("metric", name),
			zap.Float64("value", value),
		)
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch s.driver {
	case "postgres":
		query = `INSERT INTO metrics (timestamp, metric_name, metric_value)
			VALUES ($1, $2, $3)
			ON CONFLICT (timestamp, metric_name)
			DO UPDATE SET metric_value = EXCLUDED.metric_value`
	default:
		query = `INSERT OR REPLACE INTO metrics (timestamp, metric_name, metric_value)
			VALUES (?, ?, ?)`
	}

	if _, err := s.db.ExecContext(ctx, query, ts.UTC(), name, value); err != nil {
		return fmt.Errorf("failed to store sample %s: %w", name, err)
	}
	return nil
}

// History returns the chronologically ordered samples for a metric with
// timestamp >= now-sinceDays. No samples is an empty slice, not an error.
func (s *Store) History(ctx context.Context, name string, sinceDays int) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -sinceDays)
	query := s.rebind(`SELECT timestamp, metric_name, metric_value
		FROM metrics
		WHERE metric_name = ? AND timestamp >= ?
		ORDER BY timestamp ASC`)

	rows, err := s.db.QueryContext(ctx, query, name, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", name, err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.Timestamp, &sm.Name, &sm.Value); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", name, err)
	}
	return samples, nil
}

// MetricNames returns the distinct metric names present in the store.
func (s *Store) MetricNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT metric_name FROM metrics ORDER BY metric_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RecordEvent appends an event.
func (s *Store) RecordEvent(ctx context.Context, evtType, severity, description string, data map[string]any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	query := s.rebind(`INSERT INTO events (id, timestamp, event_type, severity, description, data)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), time.Now().UTC(), evtType, severity, description, string(payload))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT id, timestamp, event_type, severity, description, data
		FROM events ORDER BY timestamp DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.Severity, &ev.Description, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Data); err != nil {
				s.logger.Warn("Dropping malformed event payload",
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordStateChange appends a controller state transition.
func (s *Store) RecordStateChange(ctx context.Context, oldState, newState, reason string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := s.rebind(`INSERT INTO state_history (timestamp, old_state, new_state, reason)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), oldState, newState, reason); err != nil {
		return fmt.Errorf("failed to record state change: %w", err)
	}
	return nil
}

// Cleanup removes samples, events and state rows older than the retention
// horizon. Idempotent; a second pass removes nothing.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cleanupLocked(ctx, retentionDays)
}

func (s *Store) cleanupLocked(ctx context.Context, retentionDays int) (CleanupResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var result CleanupResult

	for _, target := range []struct {
		table string
		count *int64
	}{
		{"metrics", &result.MetricsRemoved},
		{"events", &result.EventsRemoved},
		{"state_history", &result.StatesRemoved},
	} {
		query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, target.table))
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to clean %s: %w", target.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			*target.count = n
		}
	}

	if s.driver == "sqlite3" {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Warn("VACUUM after cleanup failed", zap.Error(err))
		}
	}

	s.logger.Info("Store cleanup finished",
		zap.Int("retention_days", retentionDays),
		zap.Int64("metrics_removed", result.MetricsRemoved),
		zap.Int64("events_removed", result.EventsRemoved),
		zap.Int64("states_removed", result.StatesRemoved),
	)
	return result, nil
}

// SizeMB reports the current storage footprint.
func (s *Store) SizeMB(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizeMBLocked(ctx)
}

func (s *Store) sizeMBLocked(ctx context.Context) (float64, error) {
	switch s.driver {
	case "postgres":
		var bytes int64
		err := s.db.QueryRowContext(ctx,
			`SELECT pg_database_size(current_database())`).Scan(&bytes)
		if err != nil {
			return 0, fmt.Errorf("failed to read database size: %w", err)
		}
		return float64(bytes) / (1024 * 1024), nil
	default:
		info, err := os.Stat(sqliteFilePath(s.dsn))
		if err != nil {
			return 0, fmt.Errorf("failed to stat database file: %w", err)
		}
		return float64(info.Size()) / (1024 * 1024), nil
	}
}

// SizeCheck compares the storage footprint against the bound and runs a
// cleanup with the given retention when it is exceeded.
func (s *Store) SizeCheck(ctx context.Context, maxSizeMB, retentionDays int) (SizeReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := SizeReport{MaxSizeMB: maxSizeMB}

	size, err := s.sizeMBLocked(ctx)
	if err != nil {
		return report, err
	}
	report.SizeMB = size
	report.SizeAfterMB = size
	if size <= float64(maxSizeMB) {
		return report, nil
	}

	s.logger.Warn("Store size over limit, cleaning",
		zap.Float64("size_mb", size),
		zap.Int("max_size_mb", maxSizeMB),
	)

	removed, err := s.cleanupLocked(ctx, retentionDays)
	if err != nil {
		return report, err
	}
	report.Cleaned = true
	report.Removed = removed

	if after, err := s.sizeMBLocked(ctx); err == nil {
		report.SizeAfterMB = after
	}
	return report, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteFilePath strips URI decoration from a sqlite DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
