package store

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) initializeSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch s.driver {
	case "sqlite3":
		return s.initializeSQLiteSchema(ctx)
	case "postgres":
		return s.initializePostgresSchema(ctx)
	default:
		return fmt.Errorf("unsupported driver for schema initialization: %s", s.driver)
	}
}

func (s *Store) initializeSQLiteSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			UNIQUE(timestamp, metric_name)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			data TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			old_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			reason TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(metric_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_state_history_timestamp ON state_history(timestamp)`,
	}

	return s.applySchema(ctx, schema)
}

func (s *Store) initializePostgresSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value DOUBLE PRECISION NOT NULL,
			UNIQUE(timestamp, metric_name)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			data TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS state_history (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			old_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			reason TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(metric_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_state_history_timestamp ON state_history(timestamp)`,
	}

	return s.applySchema(ctx, schema)
}

func (s *Store) applySchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
