// ABOUTME: SQLite implementation of AttemptStore using modernc.org/sqlite
// ABOUTME: Schema is created automatically on open; ":memory:" supported

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements AttemptStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("attempt store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			preview TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_created_at
			ON attempts(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists one relay attempt.
func (s *SQLiteStore) Record(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, sender, preview, outcome, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Sender, a.Preview, a.Outcome, a.Error, a.Duration.Milliseconds(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

// Recent returns the most recent attempts, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, preview, outcome, error, duration_ms, created_at
		FROM attempts
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var durationMs int64
		if err := rows.Scan(&a.ID, &a.Sender, &a.Preview, &a.Outcome, &a.Error, &durationMs, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
