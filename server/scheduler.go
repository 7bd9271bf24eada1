package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/core"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// SessionStarter is the part of session.Manager the scheduler drives.
type SessionStarter interface {
	CreateSession(ctx context.Context, workflowID, name, createdBy string) (core.Session, error)
	Start(ctx context.Context, sessionID string) error
	GetStatus(sessionID string) (core.Session, error)
}

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Sessions     SessionStarter
	Store        catalog.Store
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler polls the catalog for due schedules and starts one session per
// firing. A firing is skipped while the session of the previous firing is
// still pending or running.
type Scheduler struct {
	sessions     SessionStarter
	store        catalog.Store
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("scheduler session starter is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		sessions:     cfg.Sessions,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start begins background polling. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.runOnceLogged(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runOnceLogged(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the current pass to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runOnceLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("schedule pass failed", "error", err)
	}
}

// RunOnce fires every schedule due at the current time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}
	for _, schedule := range due {
		s.fire(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, schedule catalog.Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}
	log := s.logger.With("schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID)

	next, err := nextRun(schedule.Cron, now)
	if err != nil {
		// Park the schedule so a bad expression does not fire every pass.
		schedule.Enabled = false
		s.record(ctx, log, schedule, now, catalog.ScheduleRunStatusFailed, "", err)
		return
	}
	schedule.NextRunAt = next

	if s.previousStillActive(schedule) {
		s.record(ctx, log, schedule, now, catalog.ScheduleRunStatusSkippedOverlap, schedule.LastSessionID,
			errors.New("skipped because the previous scheduled session is still active"))
		return
	}

	sess, err := s.sessions.CreateSession(ctx, schedule.WorkflowID, schedule.SessionName, "schedule:"+schedule.ID)
	if err != nil {
		s.record(ctx, log, schedule, now, catalog.ScheduleRunStatusFailed, "", fmt.Errorf("create session: %w", err))
		return
	}
	if err := s.sessions.Start(ctx, sess.ID); err != nil {
		s.record(ctx, log, schedule, now, catalog.ScheduleRunStatusFailed, sess.ID, fmt.Errorf("start session: %w", err))
		return
	}
	log.Info("scheduled session started", "session_id", sess.ID, "next_run_at", next)
	s.record(ctx, log, schedule, now, catalog.ScheduleRunStatusStarted, sess.ID, nil)
}

func (s *Scheduler) previousStillActive(schedule catalog.Schedule) bool {
	if schedule.LastSessionID == "" {
		return false
	}
	prev, err := s.sessions.GetStatus(schedule.LastSessionID)
	if err != nil {
		return false
	}
	return prev.Status == core.SessionPending || prev.Status == core.SessionRunning
}

func (s *Scheduler) record(
	ctx context.Context,
	log *slog.Logger,
	schedule catalog.Schedule,
	now time.Time,
	status, sessionID string,
	runErr error,
) {
	schedule.LastStatus = status
	schedule.LastError = ""
	if runErr != nil {
		schedule.LastError = runErr.Error()
		log.Warn("schedule firing did not start a session", "status", status, "error", runErr)
	}
	if status != catalog.ScheduleRunStatusSkippedOverlap {
		schedule.LastRunAt = &now
		schedule.LastSessionID = sessionID
	}
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		log.Error("persist schedule state", "error", err)
	}
}
