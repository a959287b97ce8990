package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetlink/fleet-gateway/internal/config"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables the store needs when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// getDB returns the query executor
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	return s.db
}

// mapError translates driver errors into storage sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "duplicate key") {
		return ErrDuplicateKey
	}
	return err
}

// expectOneRow maps an update that touched nothing to ErrNotFound
func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
        id UUID PRIMARY KEY,
        device_id VARCHAR(128) NOT NULL UNIQUE,
        name TEXT NOT NULL DEFAULT '',
        model TEXT NOT NULL DEFAULT '',
        manufacturer TEXT NOT NULL DEFAULT '',
        status VARCHAR(32) NOT NULL,
        capabilities JSONB,
        metadata JSONB,
        password_hash TEXT NOT NULL,
        current_token TEXT,
        last_seen_at TIMESTAMPTZ,
        last_known_latitude DOUBLE PRECISION,
        last_known_longitude DOUBLE PRECISION,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices (status)`,
	`CREATE TABLE IF NOT EXISTS missions (
        id UUID PRIMARY KEY,
        mission_id VARCHAR(128) NOT NULL UNIQUE,
        name TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        type VARCHAR(32) NOT NULL,
        priority VARCHAR(32) NOT NULL,
        state VARCHAR(32) NOT NULL,
        assigned_device_id VARCHAR(128),
        waypoints JSONB NOT NULL DEFAULT '[]',
        parameters JSONB,
        scheduled_start_time TIMESTAMPTZ,
        actual_start_time TIMESTAMPTZ,
        actual_completion_time TIMESTAMPTZ,
        progress_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        version BIGINT NOT NULL DEFAULT 1
    )`,
	`ALTER TABLE missions ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1`,
	`CREATE INDEX IF NOT EXISTS idx_missions_state ON missions (state)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_assigned_device ON missions (assigned_device_id)`,
}
