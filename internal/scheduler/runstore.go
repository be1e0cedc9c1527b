package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perchlabs/agentd/pkg/models"
)

// RunStore persists agent run records. A run is created with status running
// and finalized exactly once.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AgentRun) error
	FinalizeRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListRuns(ctx context.Context, agentID string, limit int) ([]*models.AgentRun, error)
}

// SQLiteRunStore is the on-disk RunStore.
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewRunStore opens (creating if needed) the run database at path.
func NewRunStore(path string) (*SQLiteRunStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	s := &SQLiteRunStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			tool_call_log TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, started_at)`); err != nil {
		return fmt.Errorf("create runs index: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *SQLiteRunStore) Close() error { return s.db.Close() }

// CreateRun inserts a new run record with status running.
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent_id, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.AgentID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinalizeRun records the terminal state of a run. A second finalize of the
// same run is rejected, the record is already terminal.
func (s *SQLiteRunStore) FinalizeRun(ctx context.Context, run *models.AgentRun) error {
	if run.CompletedAt.IsZero() {
		run.CompletedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, tool_call_log = ?, error = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ? AND status = ?`,
		string(run.Status), run.Output, run.ToolCallLog, run.Error,
		run.CompletedAt, run.Duration.Milliseconds(), run.ID, string(models.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("finalize run %s: not found or already finalized", run.ID)
	}
	return nil
}

// GetRun returns one run by id.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, output, tool_call_log, error, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first, optionally filtered
// by agent.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, agentID string, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, agent_id, status, output, tool_call_log, error, started_at, completed_at, duration_ms FROM runs`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	var run models.AgentRun
	var status string
	var completedAt sql.NullTime
	var durationMS int64
	err := row.Scan(&run.ID, &run.AgentID, &status, &run.Output, &run.ToolCallLog,
		&run.Error, &run.StartedAt, &completedAt, &durationMS)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}
