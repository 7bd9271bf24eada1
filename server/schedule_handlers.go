package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/sessionflow/catalog"
)

type scheduleRequest struct {
	Cron        string  `json:"cron,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	SessionName *string `json:"session_name,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if !s.workflowExists(w, r, workflowID) {
		return
	}
	schedules, err := s.catalog.ListSchedules(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []catalog.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if !s.workflowExists(w, r, workflowID) {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	schedule, err := applyScheduleRequest(catalog.Schedule{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	if err := s.catalog.CreateSchedule(r.Context(), schedule); err != nil {
		if errors.Is(err, catalog.ErrScheduleExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("schedule %q already exists", schedule.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, ok := s.lookupSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.lookupSchedule(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now

	if err := s.catalog.UpdateSchedule(r.Context(), next); err != nil {
		if errors.Is(err, catalog.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", existing.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.catalog.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupSchedule(w http.ResponseWriter, r *http.Request) (catalog.Schedule, bool) {
	id := r.PathValue("id")
	schedule, found, err := s.catalog.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return catalog.Schedule{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return catalog.Schedule{}, false
	}
	return schedule, true
}

func (s *Server) workflowExists(w http.ResponseWriter, r *http.Request, workflowID string) bool {
	_, found, err := s.catalog.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", workflowID))
		return false
	}
	return true
}

// applyScheduleRequest merges req into base. The next run is recomputed when
// the schedule is created, its expression changes or it is re-enabled.
func applyScheduleRequest(base catalog.Schedule, req scheduleRequest, creating bool, now time.Time) (catalog.Schedule, error) {
	previousCron := base.Cron
	wasEnabled := base.Enabled

	if clean := strings.TrimSpace(req.Cron); clean != "" {
		base.Cron = clean
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.SessionName != nil {
		base.SessionName = strings.TrimSpace(*req.SessionName)
	}

	if _, err := parseCron(base.Cron); err != nil {
		return catalog.Schedule{}, err
	}

	cronChanged := previousCron != "" && previousCron != base.Cron
	if base.Enabled && (creating || cronChanged || !wasEnabled || base.NextRunAt.IsZero()) {
		next, err := nextRun(base.Cron, now)
		if err != nil {
			return catalog.Schedule{}, err
		}
		base.NextRunAt = next
	}
	return base, nil
}
