package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/petal-labs/sessionflow/core"
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	// Start runs the session right away.
	Start bool `json:"start,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListSessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "workflow_id is required")
		return
	}

	sess, err := s.manager.CreateSession(r.Context(), req.WorkflowID, req.Name, req.CreatedBy)
	if err != nil {
		writePlanError(w, err)
		return
	}
	if req.Start {
		if err := s.manager.Start(r.Context(), sess.ID); err != nil {
			writePlanError(w, err)
			return
		}
		sess, _ = s.manager.GetStatus(sess.ID)
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetStatus(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession drops the session and its stored events, so a deleted
// session cannot be replayed.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.DeleteSession(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	if s.eventStore != nil {
		if err := s.eventStore.Delete(r.Context(), id); err != nil {
			s.logger.Warn("delete session events", "session_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartSession starts a pending session. It answers once the plan is
// computed; nodes run in the background.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Start(r.Context(), id); err != nil {
		writePlanError(w, err)
		return
	}
	sess, err := s.manager.GetStatus(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Cancel(id); err != nil {
		writeEngineError(w, err)
		return
	}
	sess, err := s.manager.GetStatus(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// handleSessionData returns the session's data entries; repeated ?key=
// parameters restrict the result.
func (s *Server) handleSessionData(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manager.GetSessionData(r.Context(), r.PathValue("id"), r.URL.Query()["key"]...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []core.SessionDataEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSessionExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.manager.GetNodeExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if execs == nil {
		execs = []core.NodeExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleSessionEvents streams the session's events. Sessions no longer held
// by the manager can still be replayed from a persistent event store.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil && s.bus == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event streaming not configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.manager.GetStatus(id); err != nil {
		if !s.hasStoredEvents(r.Context(), id) {
			writeEngineError(w, err)
			return
		}
	}
	s.events.ServeHTTP(w, r)
}

func (s *Server) hasStoredEvents(ctx context.Context, sessionID string) bool {
	if s.eventStore == nil {
		return false
	}
	seq, err := s.eventStore.LatestSeq(ctx, sessionID)
	return err == nil && seq > 0
}

// writeEngineError maps session manager errors to HTTP responses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, core.ErrSessionNotPending):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "CANCELLED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

// writePlanError is writeEngineError for CreateSession and Start, where any
// other error means the workflow could not be turned into a plan.
func writePlanError(w http.ResponseWriter, err error) {
	var cycleErr *core.CycleError
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrWorkflowNotFound),
		errors.Is(err, core.ErrSessionNotPending):
		writeEngineError(w, err)
	case errors.As(err, &cycleErr):
		writeError(w, http.StatusUnprocessableEntity, "CYCLE_ERROR", err.Error(), cycleErr.Nodes...)
	default:
		writeError(w, http.StatusUnprocessableEntity, "PLAN_ERROR", err.Error())
	}
}
