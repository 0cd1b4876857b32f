package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/a-marczewski/ppewatch/internal/config"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 2
)

// DB represents the database connection pool
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens the detection database and applies migrations. The pool is
// capped at cfg.DBMaxConns open connections.
func NewDB(cfg *config.Config) (*DB, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	maxConns := cfg.DBMaxConns
	if maxConns <= 0 {
		maxConns = config.DefaultDBMaxConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)

	database := &DB{conn: conn, path: cfg.DBPath}

	if err := database.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return database, nil
}

// migrate applies database migrations
func (db *DB) migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := db.applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		case 2:
			if err := db.applySchemaV2(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// applySchemaV1 creates the per-frame detection table.
func (db *DB) applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS ppe_detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			s3_url TEXT NOT NULL DEFAULT '',
			detections TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			org_id TEXT NOT NULL DEFAULT '',
			camera_id TEXT NOT NULL DEFAULT '',
			time_stamp TEXT NOT NULL,
			frame_num INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ppe_detections_camera_time
			ON ppe_detections(camera_id, time_stamp);
	`)
	return err
}

// applySchemaV2 links rows to their streaming session and keeps the alerts
// raised on that frame.
func (db *DB) applySchemaV2(tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE ppe_detections ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	if _, err := tx.Exec(`ALTER TABLE ppe_detections ADD COLUMN alerts TEXT NOT NULL DEFAULT '[]'`); err != nil {
		return err
	}
	_, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_ppe_detections_session
			ON ppe_detections(session_id, frame_num)
	`)
	return err
}

// Ping verifies database connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn
}
