package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/graph"

	_ "modernc.org/sqlite"
)

const catalogSQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT,
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_schedules (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	session_name TEXT,
	next_run_at TEXT NOT NULL,
	last_run_at TEXT,
	last_session_id TEXT,
	last_status TEXT,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_workflow_schedules_workflow
ON workflow_schedules(workflow_id);

CREATE INDEX IF NOT EXISTS idx_workflow_schedules_due
ON workflow_schedules(enabled, next_run_at);`

const scheduleColumns = `id, workflow_id, cron_expr, enabled, session_name, next_run_at, last_run_at, last_session_id, last_status, last_error, created_at, updated_at`

// SQLiteStoreConfig configures the SQLite catalog.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists workflows and schedules in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed catalog.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("catalog sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog sqlite enable foreign keys: %w", err)
	}
	if _, err := db.Exec(catalogSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog sqlite create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Workflow converts the stored definition into a core.Workflow.
func (s *SQLiteStore) Workflow(ctx context.Context, id string) (core.Workflow, error) {
	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return core.Workflow{}, err
	}
	if !ok {
		return core.Workflow{}, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, id)
	}
	return toWorkflow(rec)
}

func (s *SQLiteStore) List(ctx context.Context) ([]WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM workflows
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog sqlite list: %w", err)
	}
	defer rows.Close()

	var records []WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog sqlite list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (WorkflowRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM workflows
WHERE id = ?`, id)

	rec, err := scanWorkflowRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowRecord{}, false, nil
		}
		return WorkflowRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec WorkflowRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("catalog sqlite marshal definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows (id, name, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Name,
		def,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err, "workflows.id") {
			return ErrWorkflowExists
		}
		return fmt.Errorf("catalog sqlite create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec WorkflowRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("catalog sqlite marshal definition: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET name = ?, definition = ?, updated_at = ?
WHERE id = ?`,
		rec.Name,
		def,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog sqlite update: %w", err)
	}
	return requireAffected(res, core.ErrWorkflowNotFound)
}

// Delete removes a workflow; its schedules cascade.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog sqlite delete: %w", err)
	}
	return requireAffected(res, core.ErrWorkflowNotFound)
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error) {
	return s.querySchedules(ctx, `
SELECT `+scheduleColumns+`
FROM workflow_schedules
WHERE workflow_id = ?
ORDER BY created_at ASC`, workflowID)
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, scheduleID string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+`
FROM workflow_schedules
WHERE id = ?`, scheduleID)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, false, nil
		}
		return Schedule{}, false, err
	}
	return schedule, true, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule Schedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.WorkflowID,
		schedule.Cron,
		boolInt(schedule.Enabled),
		nullIfEmpty(schedule.SessionName),
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastSessionID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.CreatedAt.UTC().Format(time.RFC3339Nano),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, "workflow_schedules.id"):
			return ErrScheduleExists
		case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return core.ErrWorkflowNotFound
		}
		return fmt.Errorf("catalog sqlite create schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_schedules
SET
	cron_expr = ?,
	enabled = ?,
	session_name = ?,
	next_run_at = ?,
	last_run_at = ?,
	last_session_id = ?,
	last_status = ?,
	last_error = ?,
	updated_at = ?
WHERE id = ?`,
		schedule.Cron,
		boolInt(schedule.Enabled),
		nullIfEmpty(schedule.SessionName),
		schedule.NextRunAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastSessionID),
		nullIfEmpty(schedule.LastStatus),
		nullIfEmpty(schedule.LastError),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano),
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog sqlite update schedule: %w", err)
	}
	return requireAffected(res, ErrScheduleNotFound)
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_schedules WHERE id = ?`, scheduleID)
	if err != nil {
		return fmt.Errorf("catalog sqlite delete schedule: %w", err)
	}
	return requireAffected(res, ErrScheduleNotFound)
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	query := `
SELECT ` + scheduleColumns + `
FROM workflow_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySchedules(ctx, query, args...)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog sqlite list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog sqlite list schedules rows: %w", err)
	}
	return schedules, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflowRecord(row scanner) (WorkflowRecord, error) {
	var (
		rec                  WorkflowRecord
		name                 sql.NullString
		def                  []byte
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &name, &def, &createdAt, &updatedAt); err != nil {
		return WorkflowRecord{}, err
	}
	rec.Name = name.String

	var parsed graph.Definition
	if err := json.Unmarshal(def, &parsed); err != nil {
		return WorkflowRecord{}, fmt.Errorf("catalog sqlite decode definition: %w", err)
	}
	rec.Definition = parsed

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return WorkflowRecord{}, fmt.Errorf("catalog sqlite parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return WorkflowRecord{}, fmt.Errorf("catalog sqlite parse updated_at: %w", err)
	}
	return rec, nil
}

func scanSchedule(row scanner) (Schedule, error) {
	var (
		s                                Schedule
		enabled                          int
		sessionName, lastSessionID       sql.NullString
		lastRunAt, lastStatus, lastError sql.NullString
		nextRunAt, createdAt, updatedAt  string
	)
	if err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.Cron,
		&enabled,
		&sessionName,
		&nextRunAt,
		&lastRunAt,
		&lastSessionID,
		&lastStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Schedule{}, err
	}
	s.Enabled = enabled == 1
	s.SessionName = sessionName.String
	s.LastSessionID = lastSessionID.String
	s.LastStatus = lastStatus.String
	s.LastError = lastError.String

	var err error
	if s.NextRunAt, err = time.Parse(time.RFC3339Nano, nextRunAt); err != nil {
		return Schedule{}, fmt.Errorf("catalog sqlite parse schedule next_run_at: %w", err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Schedule{}, fmt.Errorf("catalog sqlite parse schedule created_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Schedule{}, fmt.Errorf("catalog sqlite parse schedule updated_at: %w", err)
	}
	if lastRunAt.Valid && strings.TrimSpace(lastRunAt.String) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, lastRunAt.String)
		if err != nil {
			return Schedule{}, fmt.Errorf("catalog sqlite parse schedule last_run_at: %w", err)
		}
		s.LastRunAt = &parsed
	}
	return s, nil
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog sqlite affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

var _ Store = (*SQLiteStore)(nil)
