package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid-dev/flowgrid/pkg/logging"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver; the caller imports
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	db, _ := sql.Open("sqlite", "flowgrid.db")
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in the given database and
// returns a store over it.
func NewSQLiteStore(db *sql.DB, log *slog.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, log: logging.Component(log, "state")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database file and wraps
// it in a store.
func OpenSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s, err := NewSQLiteStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			input BLOB,
			result BLOB,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow
			ON workflow_executions(workflow_name, started_at);

		CREATE TABLE IF NOT EXISTS step_executions (
			step_execution_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id),
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			result BLOB,
			error TEXT,
			seq INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_steps_execution
			ON step_executions(execution_id, seq);
	`)
	return err
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, workflowName string, input map[string]any) (string, error) {
	id := uuid.New().String()
	inputBlob, err := encodeMap(input)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (execution_id, workflow_name, status, started_at, input)
		VALUES (?, ?, ?, ?, ?)`,
		id, workflowName, string(StatusPending), time.Now().UTC(), inputBlob,
	)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, status ExecutionStatus, result map[string]any, errMsg string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_executions WHERE execution_id = ?`, id,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query execution: %w", err)
	}
	if ExecutionStatus(current).Terminal() {
		s.log.Warn("ignoring update to terminal execution", "execution_id", id, "status", current)
		return nil
	}

	resultBlob, err := encodeMap(result)
	if err != nil {
		return err
	}

	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, completed_at = COALESCE(?, completed_at),
		    result = COALESCE(?, result), error = CASE WHEN ? = '' THEN error ELSE ? END
		WHERE execution_id = ?`,
		string(status), completedAt, resultBlob, errMsg, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddStepExecution(ctx context.Context, executionID, stepName string, stepIndex, attempt int, status ExecutionStatus) (string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_executions WHERE execution_id = ?`, executionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return "", fmt.Errorf("query execution: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_executions
			(step_execution_id, execution_id, step_name, step_index, attempt, status, started_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM step_executions WHERE execution_id = ?))`,
		id, executionID, stepName, stepIndex, attempt, string(status), time.Now().UTC(), executionID,
	)
	if err != nil {
		return "", fmt.Errorf("insert step execution: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateStepExecution(ctx context.Context, stepID string, status ExecutionStatus, result map[string]any, errMsg string) error {
	resultBlob, err := encodeMap(result)
	if err != nil {
		return err
	}

	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET status = ?, completed_at = COALESCE(?, completed_at),
		    result = COALESCE(?, result), error = CASE WHEN ? = '' THEN error ELSE ? END
		WHERE step_execution_id = ?`,
		string(status), completedAt, resultBlob, errMsg, errMsg, stepID,
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrStepNotFound, stepID)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_name, status, started_at, completed_at, input, result, error
		FROM workflow_executions WHERE execution_id = ?`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	return e, err
}

func (s *SQLiteStore) GetStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_execution_id, execution_id, step_name, step_index, attempt, status,
		       started_at, completed_at, result, error
		FROM step_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		var rec StepExecution
		var completed sql.NullTime
		var result []byte
		var errStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepName, &rec.StepIndex, &rec.Attempt,
			&rec.Status, &rec.StartedAt, &completed, &result, &errStr); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		if rec.Result, err = decodeMap(result); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, workflowName string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT execution_id, workflow_name, status, started_at, completed_at, input, result, error
		FROM workflow_executions`
	args := []any{}
	if workflowName != "" {
		query += ` WHERE workflow_name = ?`
		args = append(args, workflowName)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStatistics(ctx context.Context, workflowName string) (*Statistics, error) {
	execs, err := s.GetHistory(ctx, workflowName, 1<<30)
	if err != nil {
		return nil, err
	}
	return computeStatistics(workflowName, execs), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var completed sql.NullTime
	var input, result []byte
	var errStr sql.NullString

	err := row.Scan(&e.ID, &e.WorkflowName, &e.Status, &e.StartedAt, &completed, &input, &result, &errStr)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	if e.Input, err = decodeMap(input); err != nil {
		return nil, err
	}
	if e.Result, err = decodeMap(result); err != nil {
		return nil, err
	}
	e.Error = errStr.String
	return &e, nil
}
