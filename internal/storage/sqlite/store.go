// Package sqlite persists job state, the single-flight lease, and the
// system-wide quality history in a single SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"

	"callscribe/pkg/logger"
	_ "modernc.org/sqlite"
)

// StateStoreError wraps any persistence failure so callers can distinguish
// storage faults from pipeline faults.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StateStoreError{Op: op, Err: err}
}

// Store is the SQLite-backed state store shared by the API and the
// orchestrator.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore opens (or creates) the database at dbPath and initializes the
// schema.
func NewStore(dbPath string, log *logger.Logger) (*Store, error) {
	storeLogger := log.Named("sqlite")

	storeLogger.Info("Initializing SQLite state store",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &Store{
		db:     db,
		logger: storeLogger,
	}

	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDB creates the tables and indexes.
func (s *Store) initDB() error {
	s.logger.Info("Initializing database schema")

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			case_id TEXT,
			display_name TEXT,
			status TEXT NOT NULL,
			transcript TEXT,
			provider TEXT,
			quality_score REAL,
			quality_confidence REAL,
			escalated INTEGER NOT NULL DEFAULT 0,
			escalation_reasons TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			segments_total INTEGER NOT NULL DEFAULT 0,
			segments_done INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`)
	if err != nil {
		return fmt.Errorf("failed to create jobs status index: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create jobs created_at index: %w", err)
	}

	// Single row (id=1) lease that serializes pipeline execution across
	// processes. A stale expires_at lets a restarted process reclaim the
	// lease after a crash.
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS singleflight (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			holder TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create singleflight table: %w", err)
	}

	// One row per completed job; the rolling quality average is defined over
	// finished jobs, not individual segments.
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS quality_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			score REAL NOT NULL,
			confidence REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create quality_history table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_quality_created_at ON quality_history(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create quality_history index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create system_counters table: %w", err)
	}

	return nil
}
