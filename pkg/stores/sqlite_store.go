package stores

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-memory store.
	Path string

	// MaxOpenConns limits concurrent connections. Defaults to 25.
	MaxOpenConns int

	// MaxIdleConns limits idle pooled connections. Defaults to 5.
	MaxIdleConns int

	// ConnMaxLifetime bounds connection reuse. Defaults to 5 minutes.
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. The database is not
// opened until Init is called.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and configures the pool. The pragmas
// ride on the DSN so every pooled connection gets them.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		if dir := filepath.Dir(s.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: gets its own empty database, so an
	// in-memory store is pinned to a single connection.
	if s.cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// Migrate applies all pending schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// CommitTx commits a transaction.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTx rolls back a transaction.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, kind, status, config_path, started_at, completed_at,
			error, synced, missing, exhausted, launches, teardowns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Kind, run.Status, run.ConfigPath, run.StartedAt, run.CompletedAt,
		run.Error, run.Synced, run.Missing, run.Exhausted, run.Launches, run.Teardowns,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, kind, status, config_path, started_at, completed_at,
			error, synced, missing, exhausted, launches, teardowns, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Kind, &run.Status, &run.ConfigPath, &run.StartedAt, &run.CompletedAt,
		&run.Error, &run.Synced, &run.Missing, &run.Exhausted, &run.Launches, &run.Teardowns,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun marks a run terminal, storing its status and the counters from
// its report. A nil report leaves the counters at zero.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status engine.RunStatus, errMsg *string, report *engine.SyncReport) error {
	now := time.Now()
	completedAt := now
	var synced, missing, exhausted, launches, teardowns int
	if report != nil {
		synced, missing, exhausted = report.Counts()
		launches = report.Launches
		teardowns = report.Teardowns
		if !report.CompletedAt.IsZero() {
			completedAt = report.CompletedAt
		}
	}

	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, synced = ?, missing = ?,
			exhausted = ?, launches = ?, teardowns = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, errMsg, completedAt, synced, missing, exhausted, launches, teardowns, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns retrieves runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, kind, status, config_path, started_at, completed_at,
			error, synced, missing, exhausted, launches, teardowns, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID, &run.Kind, &run.Status, &run.ConfigPath, &run.StartedAt, &run.CompletedAt,
			&run.Error, &run.Synced, &run.Missing, &run.Exhausted, &run.Launches, &run.Teardowns,
			&run.CreatedAt, &run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and cascades to its resource syncs and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed. Cascades take the resource syncs and events with them.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM runs
		WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// RecordOutcomes persists one resource sync row per outcome, in order,
// within a single transaction.
func (s *SQLiteStore) RecordOutcomes(ctx context.Context, runID string, outcomes []engine.ResourceOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resource_syncs (run_id, position, path, status, attempts,
			app_restarted, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	for i, outcome := range outcomes {
		var errMsg *string
		if outcome.Err != nil {
			msg := outcome.Err.Error()
			errMsg = &msg
		}

		_, err := tx.ExecContext(ctx, query,
			runID, i, outcome.Path, outcome.Status, outcome.Attempts,
			outcome.AppRestarted, outcome.Duration.Milliseconds(), errMsg, now,
		)
		if err != nil {
			_ = s.RollbackTx(tx)
			return fmt.Errorf("failed to record outcome for %s: %w", outcome.Path, err)
		}
	}

	return s.CommitTx(tx)
}

// ListResourceSyncs retrieves the resource rows for a run in sync order.
func (s *SQLiteStore) ListResourceSyncs(ctx context.Context, runID string) ([]*ResourceSync, error) {
	query := `
		SELECT id, run_id, position, path, status, attempts, app_restarted,
			duration_ms, error, created_at
		FROM resource_syncs
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource syncs: %w", err)
	}
	defer rows.Close()

	return scanResourceSyncs(rows)
}

// LatestResourceSyncs returns the most recent recorded outcome for every
// path that has ever appeared in a run, ordered by path.
func (s *SQLiteStore) LatestResourceSyncs(ctx context.Context) ([]*ResourceSync, error) {
	query := `
		SELECT rs.id, rs.run_id, rs.position, rs.path, rs.status, rs.attempts,
			rs.app_restarted, rs.duration_ms, rs.error, rs.created_at
		FROM resource_syncs rs
		JOIN (
			SELECT path, MAX(id) AS last_id
			FROM resource_syncs
			GROUP BY path
		) latest ON latest.last_id = rs.id
		ORDER BY rs.path ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest resource syncs: %w", err)
	}
	defer rows.Close()

	return scanResourceSyncs(rows)
}

func scanResourceSyncs(rows *sql.Rows) ([]*ResourceSync, error) {
	var syncs []*ResourceSync
	for rows.Next() {
		rs := &ResourceSync{}
		err := rows.Scan(
			&rs.ID, &rs.RunID, &rs.Position, &rs.Path, &rs.Status, &rs.Attempts,
			&rs.AppRestarted, &rs.DurationMS, &rs.Error, &rs.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource sync: %w", err)
		}
		syncs = append(syncs, rs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resource syncs: %w", err)
	}

	return syncs, nil
}

// AppendEvent inserts an event and sets its generated ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, level, resource, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Level, event.Resource, event.Message, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events in chronological order with optional run and
// level filters.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, level, resource, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
			AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID, &event.RunID, &event.Level, &event.Resource,
			&event.Message, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database is reachable and answering queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}
