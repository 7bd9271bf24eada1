package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/loader"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns all registered node types.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

// ValidateResponse is returned by POST /api/workflows/validate.
type ValidateResponse struct {
	Valid       bool               `json:"valid"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateWorkflow stores a JSON or YAML definition. A missing ID is
// generated.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if !s.validateDefinition(w, def) {
		return
	}

	now := time.Now().UTC()
	rec := catalog.NewRecord(*def)
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.catalog.Create(r.Context(), rec); err != nil {
		if errors.Is(err, catalog.ErrWorkflowExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("workflow %q already exists", rec.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	s.logger.Info("workflow created", "workflow_id", rec.ID, "nodes", len(def.Nodes))
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateWorkflow replaces a stored definition. Sessions already created
// keep the workflow they were created with.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeError(w, http.StatusBadRequest, "ID_MISMATCH", fmt.Sprintf("body id %q does not match path id %q", def.ID, id))
		return
	}
	if !s.validateDefinition(w, def) {
		return
	}

	rec := catalog.NewRecord(*def)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.catalog.Update(r.Context(), rec); err != nil {
		if errors.Is(err, core.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	updated, _, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.catalog.Delete(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateWorkflow reports diagnostics without storing anything.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	diags := def.ValidateWithRegistry(s.registry)
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:       !graph.HasErrors(diags),
		Diagnostics: diags,
	})
}

// readDefinition decodes a JSON or YAML definition from the request body.
func (s *Server) readDefinition(w http.ResponseWriter, r *http.Request) (*graph.Definition, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}

	format := loader.DetectFormat(body, "")
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = loader.FormatYAML
	}
	def, err := loader.Decode(body, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}
	return def, true
}

func (s *Server) validateDefinition(w http.ResponseWriter, def *graph.Definition) bool {
	diags := def.ValidateWithRegistry(s.registry)
	if graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workflow validation failed", diagMessages(diags)...)
		return false
	}
	return true
}

// --- helpers ---

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}
	return body, true
}

// decodeJSONBody decodes a JSON request body. An empty body leaves dest
// untouched.
func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// diagMessages extracts error messages from diagnostics.
func diagMessages(diags []graph.Diagnostic) []string {
	errs := graph.Errors(diags)
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
