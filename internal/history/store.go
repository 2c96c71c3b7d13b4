// Package history persists pipeline runs to SQLite so `storyflow history`
// can answer what happened to a story and when.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one pipeline execution for a story.
type Run struct {
	ID         string
	StoryID    string
	Layer      int
	Status     string // running / success / failed / aborted
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StageResult is the persisted outcome of one stage within a run.
type StageResult struct {
	Stage    string
	Attempts int
	Status   string // PASS / FAIL / SKIPPED / TIMEOUT
	Duration time.Duration
	Error    string
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	story_id TEXT NOT NULL,
	layer INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_story_id ON runs(story_id, started_at);

CREATE TABLE IF NOT EXISTS stage_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	error TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);
`

// Open creates or opens the history database at dbPath, creating parent
// directories as needed. WAL mode keeps concurrent reads cheap.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// OpenMemory creates an in-memory store for testing.
func OpenMemory(ctx context.Context) (*Store, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new in-flight run and returns its ID.
func (s *Store) StartRun(ctx context.Context, storyID string, layer int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, story_id, layer, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
	`, id, storyID, layer, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run's final status and finish time.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %q not found", runID)
	}
	return nil
}

// SaveStageResult appends a stage outcome to a run.
func (s *Store) SaveStageResult(ctx context.Context, runID string, sr StageResult) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (run_id, stage, attempt_count, status, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, sr.Stage, sr.Attempts, sr.Status, sr.Duration.Milliseconds(), sr.Error)
	if err != nil {
		return fmt.Errorf("failed to save stage result: %w", err)
	}
	return nil
}

// ListRuns returns runs most recent first. An empty storyID lists all
// stories; limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, storyID string, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, story_id, layer, status, started_at, finished_at FROM runs`
	var args []any
	if storyID != "" {
		query += ` WHERE story_id = ?`
		args = append(args, storyID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StoryID, &r.Layer, &r.Status, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunStages returns the stage outcomes of a run in execution order.
func (s *Store) RunStages(ctx context.Context, runID string) ([]StageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, attempt_count, status, duration_ms, error
		FROM stage_results
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	results := []StageResult{}
	for rows.Next() {
		var sr StageResult
		var ms int64
		var errText sql.NullString
		if err := rows.Scan(&sr.Stage, &sr.Attempts, &sr.Status, &ms, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		sr.Duration = time.Duration(ms) * time.Millisecond
		sr.Error = errText.String
		results = append(results, sr)
	}
	return results, rows.Err()
}
