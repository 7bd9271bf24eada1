// Package catalog stores workflow definitions and their cron schedules.
// The session manager reads workflows from a catalog when a session is
// created.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/graph"
)

// Sentinel errors for catalog operations.
var (
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrScheduleExists   = errors.New("workflow schedule already exists")
	ErrScheduleNotFound = errors.New("workflow schedule not found")
)

// Schedule run statuses.
const (
	ScheduleRunStatusStarted        = "started"
	ScheduleRunStatusFailed         = "failed"
	ScheduleRunStatusSkippedOverlap = "skipped_overlap"
)

// WorkflowRecord is a stored workflow definition.
type WorkflowRecord struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Definition graph.Definition `json:"definition"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Schedule is a persisted cron schedule. Each firing creates and starts a
// session of the workflow.
type Schedule struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Cron        string `json:"cron"`
	Enabled     bool   `json:"enabled"`
	SessionName string `json:"session_name,omitempty"`

	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSessionID string     `json:"last_session_id,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides CRUD for workflows and schedules.
type Store interface {
	// Workflow returns the runnable form of a stored definition, or
	// core.ErrWorkflowNotFound.
	Workflow(ctx context.Context, id string) (core.Workflow, error)

	List(ctx context.Context) ([]WorkflowRecord, error)
	Get(ctx context.Context, id string) (WorkflowRecord, bool, error)
	Create(ctx context.Context, rec WorkflowRecord) error
	Update(ctx context.Context, rec WorkflowRecord) error
	Delete(ctx context.Context, id string) error

	ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, bool, error)
	CreateSchedule(ctx context.Context, schedule Schedule) error
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// NewRecord wraps a definition in a record, taking ID and name from it.
func NewRecord(def graph.Definition) WorkflowRecord {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	return WorkflowRecord{ID: def.ID, Name: name, Definition: def}
}

func toWorkflow(rec WorkflowRecord) (core.Workflow, error) {
	wf, err := rec.Definition.ToWorkflow()
	if err != nil {
		return core.Workflow{}, err
	}
	wf.ID = rec.ID
	for i := range wf.Nodes {
		wf.Nodes[i].WorkflowID = rec.ID
	}
	return wf, nil
}
