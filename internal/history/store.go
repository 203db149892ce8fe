// Package history persists one record per run to a local SQLite database so
// past runs can be inspected with `patchsmith history`. Recording is best
// effort: a history failure must never fail the run that produced it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	runtime TEXT NOT NULL,
	state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	work_iterations INTEGER NOT NULL DEFAULT 0,
	retries TEXT NOT NULL DEFAULT '{}',
	patch_path TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

// Run is one recorded pipeline run.
type Run struct {
	ID             string
	Prompt         string
	Runtime        string
	State          string
	Reason         string
	WorkIterations int
	Retries        map[string]int
	PatchPath      string
	Duration       time.Duration
	CreatedAt      time.Time
}

// Store manages the SQLite run-history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout must be set before anything else so concurrent runs wait
	// on locks instead of erroring out.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries lock errors with exponential backoff.
func execWithRetry(db *sql.DB, statement string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(statement)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts one run row. A missing ID is generated.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	retriesJSON := "{}"
	if len(run.Retries) > 0 {
		data, err := json.Marshal(run.Retries)
		if err != nil {
			return fmt.Errorf("marshal retry counts: %w", err)
		}
		retriesJSON = string(data)
	}

	query := `INSERT INTO runs
		(id, prompt, runtime, state, reason, work_iterations, retries, patch_path, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		run.CreatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Prompt,
		run.Runtime,
		run.State,
		run.Reason,
		run.WorkIterations,
		retriesJSON,
		run.PatchPath,
		int64(run.Duration.Seconds()),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, prompt, runtime, state, reason, work_iterations, retries, patch_path, duration_seconds, created_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var retriesJSON string
		var durationSecs int64
		if err := rows.Scan(
			&run.ID,
			&run.Prompt,
			&run.Runtime,
			&run.State,
			&run.Reason,
			&run.WorkIterations,
			&retriesJSON,
			&run.PatchPath,
			&durationSecs,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Duration = time.Duration(durationSecs) * time.Second
		if retriesJSON != "" && retriesJSON != "{}" {
			if err := json.Unmarshal([]byte(retriesJSON), &run.Retries); err != nil {
				return nil, fmt.Errorf("unmarshal retry counts: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
