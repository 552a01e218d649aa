package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/netzero-data/disclose"
	"github.com/netzero-data/disclose/internal"
)

// handleSubmissions handles POST /api/v1/submissions.
func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		disclose.SubmissionCreate
		UserID int    `json:"user_id"`
		Name   string `json:"name,omitempty"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}

	td, ok := s.tableDefForView(body.TableViewID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown table view %d", body.TableViewID))
		return
	}

	if s.cfg.Cache.ValidatePayloads && len(body.Values) > 0 {
		schema, err := disclose.BuildFormSchema(td, s.cache)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := disclose.ValidateSubmissionValues(schema, body.Values); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if err := s.manager.CheckDuplicate(r.Context(), td, body.NzID, body.Values); err != nil {
		writeEngineError(w, err)
		return
	}

	obj, err := s.manager.Create(r.Context(), &body.SubmissionCreate, body.UserID, body.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.manager.SaveAggregate(r.Context(), obj.ID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, obj)
}

func (s *Server) tableDefForView(tableViewID int) (*disclose.TableDef, bool) {
	tv, ok := s.cache.TableView(tableViewID)
	if !ok {
		return nil, false
	}
	return s.cache.TableDefByID(tv.TableDefID)
}

// handleSubmission dispatches /api/v1/submissions/{id-or-name}[/action].
func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/submissions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "submission identifier is required")
		return
	}
	key := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleGet(w, r, key)
	case "revisions":
		s.handleRevise(w, r, key)
	case "checkout":
		s.handleCheckOut(w, r, key)
	case "clear-edit-mode":
		s.handleClearEditMode(w, r, key)
	case "rollback":
		s.handleRollback(w, r, key)
	case "validate":
		s.handleValidate(w, r, key)
	case "history":
		s.handleHistory(w, r, key)
	case "restatements":
		s.handleRestatements(w, r, key)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
	}
}

// handleGet handles GET /api/v1/submissions/{id-or-name}. A numeric key
// loads the full value tree; a name returns the newest revision's
// metadata. ?db_only=true bypasses the aggregate cache.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.Atoi(key)
	if err != nil {
		obj, err := s.manager.SubmissionByName(r.Context(), key)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, obj)
		return
	}
	opts := internal.LoadOptions{UseAggregate: true}
	if r.URL.Query().Get("db_only") == "true" {
		opts = internal.LoadOptions{DBOnly: true}
	}
	submission, err := s.manager.Loader().Load(r.Context(), id, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, submission)
}

// handleRevise handles POST /api/v1/submissions/{name}/revisions.
func (s *Server) handleRevise(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		disclose.RevisionUpdate
		UserID int `json:"user_id"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	obj, err := s.revisions.Update(r.Context(), name, &body.RevisionUpdate, body.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, obj)
}

// handleCheckOut handles POST /api/v1/submissions/{name}/checkout.
func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		UserID int  `json:"user_id"`
		Force  bool `json:"force,omitempty"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	obj, err := s.revisions.CheckOut(r.Context(), name, body.UserID, body.Force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, obj)
}

// handleClearEditMode handles POST /api/v1/submissions/{name}/clear-edit-mode.
func (s *Server) handleClearEditMode(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		UserID int `json:"user_id"`
	}
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	obj, err := s.revisions.ClearEditMode(r.Context(), name, body.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, obj)
}

// handleRollback handles POST /api/v1/submissions/{name}/rollback.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	obj, err := s.revisions.Rollback(r.Context(), name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, obj)
}

// handleValidate handles GET /api/v1/submissions/{id}/validate.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.Atoi(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid submission id: %s", key))
		return
	}
	report, err := s.validator.Validate(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

// handleHistory handles GET /api/v1/submissions/{name}/history: every
// revision of a submission, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	history, err := s.manager.RevisionHistory(r.Context(), name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, history)
}

// handleRestatements handles GET /api/v1/submissions/{group_id}/restatements:
// the audit trail of every path-addressed edit in a restatement group.
func (s *Server) handleRestatements(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	groupID, err := strconv.Atoi(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid restatement group id: %s", key))
		return
	}
	restatements, err := s.revisions.Restatements(r.Context(), groupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, restatements)
}

// handleValidateAll handles GET /api/v1/aggregates/validate?offset=&limit=.
func (s *Server) handleValidateAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, total, err := s.validator.ValidateAll(r.Context(), offset, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"reports": reports,
		"total":   total,
	})
}

// handleSearch handles POST /api/v1/search?table_view_id=N.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tableViewID, err := strconv.Atoi(r.URL.Query().Get("table_view_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "table_view_id is required")
		return
	}
	var query disclose.SearchQuery
	if err := readJSONBody(r, &query); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	page, err := s.search.Search(r.Context(), tableViewID, &query)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, page)
}

// handleSchema handles GET /api/v1/schemas/{form_name}: the JSON schema
// rendering of a form definition.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/schemas/"), "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "form name is required")
		return
	}
	td, ok := s.cache.TableDefByName(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("form '%s' not found", name))
		return
	}
	schema, err := disclose.BuildFormSchema(td, s.cache)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, schema)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(v)
}

func writeSuccess(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine error categories onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case disclose.IsNotFoundError(err):
		status = http.StatusNotFound
	case disclose.IsValidationError(err), disclose.IsPathError(err):
		status = http.StatusUnprocessableEntity
	case disclose.IsConcurrencyError(err):
		status = http.StatusConflict
	case disclose.IsTimeoutError(err):
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}
