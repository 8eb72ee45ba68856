package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"evidenceflow/internal/core"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/store"
	"evidenceflow/internal/tokens"
)

type runResponse struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automationId"`
	DeploymentID string          `json:"deploymentId"`
	Trigger      core.Trigger    `json:"trigger"`
	Status       core.RunStatus  `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	StartedAt    *string         `json:"startedAt,omitempty"`
	EndedAt      *string         `json:"endedAt,omitempty"`
	IsCompleted  bool            `json:"isCompleted"`
}

func runToResponse(run *core.Run) runResponse {
	resp := runResponse{
		ID:           run.ID,
		AutomationID: run.AutomationID,
		DeploymentID: run.DeploymentID,
		Trigger:      run.Trigger,
		Status:       run.Status,
		Output:       run.Output,
		Error:        run.Error,
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
		IsCompleted:  run.IsCompleted(),
	}
	if run.StartedAt != nil {
		v := run.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if run.EndedAt != nil {
		v := run.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &v
	}
	return resp
}

// handleGetRun serves run status to operators and to holders of an access
// token covering the run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	token := accessToken(r, s.authToken)
	session := token == "" && sessionAuthorized(r, s.authToken)
	if !session && token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	run, err := s.tracker.Get(r.Context(), runID)
	if err != nil {
		if !session && errors.Is(err, store.ErrRunNotFound) {
			// Unknown runs look the same as runs outside the token's scope.
			writeError(w, http.StatusForbidden, "forbidden", tokens.ErrOutOfScope.Error())
			return
		}
		s.writeServiceError(w, r, "get run", err)
		return
	}
	if !session {
		taskID := ""
		if a, err := s.store.GetAutomation(r.Context(), run.AutomationID); err == nil {
			taskID = a.TaskID
		}
		if _, err := s.tokens.Authorize(token, run.ID, taskID); err != nil {
			s.writeServiceError(w, r, "get run", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

type runCallbackRequest struct {
	Status core.RunStatus  `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type runCallbackResponse struct {
	Run     runResponse `json:"run"`
	Applied bool        `json:"applied"`
}

// handleRunCallback receives progress from a remote execution host. A
// transition that no longer applies is acknowledged with applied=false.
func (s *Server) handleRunCallback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req runCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		run     *core.Run
		applied bool
		err     error
	)
	switch req.Status {
	case core.RunStatusRunning:
		run, applied, err = s.tracker.MarkRunning(r.Context(), runID)
	case core.RunStatusCompleted:
		if len(req.Error) > 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "a completed run cannot carry an error")
			return
		}
		run, applied, err = s.tracker.Finish(r.Context(), runID, runs.Outcome{Output: req.Output})
	case core.RunStatusFailed:
		payload := req.Error
		if len(payload) == 0 {
			payload = json.RawMessage(`{"message":"run failed"}`)
		}
		run, applied, err = s.tracker.Finish(r.Context(), runID, runs.Outcome{Output: req.Output, Error: payload})
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "status must be one of running, completed, failed")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, "run callback", err)
		return
	}
	writeJSON(w, http.StatusOK, runCallbackResponse{Run: runToResponse(run), Applied: applied})
}

type invokeResponse struct {
	RunID        string         `json:"runId"`
	AutomationID string         `json:"automationId"`
	DeploymentID string         `json:"deploymentId"`
	Status       core.RunStatus `json:"status"`
}

// handleInvokeTask starts a manual run of the task's active deployment. The
// path id is the task id. Callers hold the operator token or a multiple-use
// access token whose allow-list contains the task.
func (s *Server) handleInvokeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	token := accessToken(r, s.authToken)
	if token == "" && !sessionAuthorized(r, s.authToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	if token != "" {
		claims, err := s.tokens.Verify(token)
		if err != nil {
			s.writeServiceError(w, r, "invoke task", err)
			return
		}
		if !claims.AllowsInvoke(taskID) {
			writeError(w, http.StatusForbidden, "forbidden", tokens.ErrOutOfScope.Error())
			return
		}
	}
	handle, err := s.runner.InvokeTask(r.Context(), taskID, core.TriggerManual)
	if err != nil {
		s.writeServiceError(w, r, "invoke task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, invokeResponse{
		RunID:        handle.RunID,
		AutomationID: handle.AutomationID,
		DeploymentID: handle.DeploymentID,
		Status:       handle.Status,
	})
}

// handleListRuns lists the most recent runs of an automation, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAutomation(r.Context(), id); err != nil {
		s.writeServiceError(w, r, "list runs", err)
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), s.runListLimit)
	if limit <= 0 || limit > runs.MaxListLimit {
		limit = s.runListLimit
	}
	list, err := s.tracker.List(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, r, "list runs", err)
		return
	}
	resp := make([]runResponse, 0, len(list))
	for _, run := range list {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}
