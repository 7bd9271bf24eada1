package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/sessionflow/core"

	_ "modernc.org/sqlite"
)

const executionSQLiteSchema = `
CREATE TABLE IF NOT EXISTS node_executions (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT    NOT NULL UNIQUE,
	session_id        TEXT    NOT NULL,
	node_id           TEXT    NOT NULL,
	node_type         TEXT    NOT NULL,
	status            TEXT    NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	input             TEXT,
	output            TEXT,
	error_type        TEXT    NOT NULL DEFAULT '',
	error_message     TEXT    NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	retry_count       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_node_executions_session
ON node_executions(session_id, seq);`

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteConfig configures the SQLite recorder.
type SQLiteConfig struct {
	DSN string
}

// SQLite persists executions in a SQLite database, one row per attempt.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed recorder.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("recorder sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("recorder sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(executionSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder sqlite create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Record upserts exec by its ID.
func (s *SQLite) Record(ctx context.Context, exec core.NodeExecution) error {
	input, err := marshalNullable(exec.Input, exec.Input == nil)
	if err != nil {
		return fmt.Errorf("recorder sqlite marshal input: %w", err)
	}
	output, err := marshalNullable(exec.Output, exec.Output == nil)
	if err != nil {
		return fmt.Errorf("recorder sqlite marshal output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO node_executions (
	id, session_id, node_id, node_type, status, started_at, completed_at,
	input, output, error_type, error_message, execution_time_ms, retry_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	input = excluded.input,
	output = excluded.output,
	error_type = excluded.error_type,
	error_message = excluded.error_message,
	execution_time_ms = excluded.execution_time_ms`,
		exec.ID,
		exec.SessionID,
		exec.NodeID,
		string(exec.NodeType),
		string(exec.Status),
		formatTime(exec.StartedAt),
		formatTime(exec.CompletedAt),
		input,
		output,
		exec.ErrorType,
		exec.ErrorMessage,
		exec.ExecutionTimeMs,
		exec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("recorder sqlite record %s: %w", exec.ID, err)
	}
	return nil
}

// List returns the session's executions in creation order.
func (s *SQLite) List(ctx context.Context, sessionID string) ([]core.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, node_id, node_type, status, started_at, completed_at,
       input, output, error_type, error_message, execution_time_ms, retry_count
FROM node_executions
WHERE session_id = ?
ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recorder sqlite list: %w", err)
	}
	defer rows.Close()

	var out []core.NodeExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder sqlite list rows: %w", err)
	}
	return out, nil
}

// Delete drops every execution of the session.
func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_executions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("recorder sqlite delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanExecution(rows *sql.Rows) (core.NodeExecution, error) {
	var (
		exec                   core.NodeExecution
		nodeType, status       string
		startedAt, completedAt sql.NullString
		input, output          sql.NullString
	)
	if err := rows.Scan(
		&exec.ID, &exec.SessionID, &exec.NodeID, &nodeType, &status,
		&startedAt, &completedAt, &input, &output,
		&exec.ErrorType, &exec.ErrorMessage, &exec.ExecutionTimeMs, &exec.RetryCount,
	); err != nil {
		return core.NodeExecution{}, fmt.Errorf("recorder sqlite scan: %w", err)
	}
	exec.NodeType = core.NodeType(nodeType)
	exec.Status = core.ExecutionStatus(status)

	var err error
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return core.NodeExecution{}, err
	}
	if exec.CompletedAt, err = parseTime(completedAt); err != nil {
		return core.NodeExecution{}, err
	}
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &exec.Input); err != nil {
			return core.NodeExecution{}, fmt.Errorf("recorder sqlite decode input: %w", err)
		}
	}
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &exec.Output); err != nil {
			return core.NodeExecution{}, fmt.Errorf("recorder sqlite decode output: %w", err)
		}
	}
	return exec, nil
}

func marshalNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("recorder sqlite parse time %q: %w", s.String, err)
	}
	return &t, nil
}

var (
	_ core.Recorder = (*SQLite)(nil)
	_ Reader        = (*SQLite)(nil)
)
