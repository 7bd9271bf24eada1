package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/sessionflow/core"
)

// MemoryStore keeps workflows and schedules in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowRecord
	order     []string
	schedules map[string]Schedule
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]WorkflowRecord),
		schedules: make(map[string]Schedule),
	}
}

// Workflow converts the stored definition into a core.Workflow.
func (m *MemoryStore) Workflow(ctx context.Context, id string) (core.Workflow, error) {
	rec, ok, _ := m.Get(ctx, id)
	if !ok {
		return core.Workflow{}, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, id)
	}
	return toWorkflow(rec)
}

func (m *MemoryStore) List(context.Context) ([]WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkflowRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.workflows[id])
	}
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (WorkflowRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[id]
	return rec, ok, nil
}

func (m *MemoryStore) Create(_ context.Context, rec WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[rec.ID]; exists {
		return ErrWorkflowExists
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.workflows[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.workflows[rec.ID]
	if !exists {
		return core.ErrWorkflowNotFound
	}
	rec.CreatedAt = prev.CreatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.workflows[rec.ID] = rec
	return nil
}

// Delete removes a workflow and its schedules.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[id]; !exists {
		return core.ErrWorkflowNotFound
	}
	delete(m.workflows, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for sid, s := range m.schedules {
		if s.WorkflowID == id {
			delete(m.schedules, sid)
		}
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, workflowID string) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.WorkflowID == workflowID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, scheduleID string) (Schedule, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[scheduleID]
	return s, ok, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, schedule Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; exists {
		return ErrScheduleExists
	}
	if _, exists := m.workflows[schedule.WorkflowID]; !exists {
		return core.ErrWorkflowNotFound
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, schedule Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; !exists {
		return ErrScheduleNotFound
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = time.Now().UTC()
	}
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[scheduleID]; !exists {
		return ErrScheduleNotFound
	}
	delete(m.schedules, scheduleID)
	return nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []Schedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

var _ Store = (*MemoryStore)(nil)
