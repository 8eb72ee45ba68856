package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"evidenceflow/internal/agent"
	"evidenceflow/internal/core"
	"evidenceflow/internal/llm"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/store"
)

type automationRequest struct {
	OrganizationID string  `json:"organizationId"`
	TaskID         string  `json:"taskId"`
	Name           string  `json:"name"`
	Cron           *string `json:"cron,omitempty"`
}

type secretRequestResponse struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	ExampleValue string `json:"exampleValue,omitempty"`
	Reason       string `json:"reason"`
	CreatedAt    string `json:"createdAt"`
}

type remediationResponse struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"runId"`
	Fix       json.RawMessage `json:"fix"`
	Applied   bool            `json:"applied"`
	CreatedAt string          `json:"createdAt"`
}

type automationResponse struct {
	ID              string                  `json:"id"`
	OrganizationID  string                  `json:"organizationId"`
	TaskID          string                  `json:"taskId"`
	Name            string                  `json:"name"`
	Status          core.AutomationStatus   `json:"status"`
	AuthoringState  core.AuthoringState     `json:"authoringState"`
	Cron            *string                 `json:"cron,omitempty"`
	ScriptKey       string                  `json:"scriptKey"`
	ValidatedHash   *string                 `json:"validatedHash,omitempty"`
	DeploymentID    *string                 `json:"deploymentId,omitempty"`
	NextRunAt       *string                 `json:"nextRunAt,omitempty"`
	SecretRequests  []secretRequestResponse `json:"secretRequests,omitempty"`
	LastRemediation *remediationResponse    `json:"lastRemediation,omitempty"`
	CreatedAt       string                  `json:"createdAt"`
	UpdatedAt       string                  `json:"updatedAt"`
}

func automationToResponse(a *core.Automation) automationResponse {
	return automationResponse{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		TaskID:         a.TaskID,
		Name:           a.Name,
		Status:         a.Status,
		AuthoringState: a.AuthoringState,
		Cron:           a.Cron,
		ScriptKey:      a.ScriptKey,
		ValidatedHash:  a.ValidatedHash,
		DeploymentID:   a.DeploymentID,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req automationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := scripts.Key(req.OrganizationID, req.TaskID, "")
	if err != nil {
		s.writeServiceError(w, r, "create automation", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.TaskID
	}
	var cronExpr *string
	if req.Cron != nil {
		expr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(expr); err != nil {
			s.writeServiceError(w, r, "create automation", err)
			return
		}
		cronExpr = &expr
	}
	a := &core.Automation{
		ID:             core.NewAutomationID(),
		OrganizationID: req.OrganizationID,
		TaskID:         req.TaskID,
		Name:           name,
		Status:         core.AutomationStatusDraft,
		AuthoringState: core.AuthoringDrafting,
		Cron:           cronExpr,
		ScriptKey:      key,
	}
	if err := s.store.InsertAutomation(r.Context(), a); err != nil {
		s.writeServiceError(w, r, "create automation", err)
		return
	}
	s.logger.Info("automation created", "automation_id", a.ID, "org_id", a.OrganizationID, "task_id", a.TaskID)
	writeJSON(w, http.StatusCreated, automationToResponse(a))
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "get automation", err)
		return
	}
	resp, err := s.describeAutomation(r, a)
	if err != nil {
		s.writeServiceError(w, r, "get automation", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) describeAutomation(r *http.Request, a *core.Automation) (automationResponse, error) {
	resp := automationToResponse(a)
	if next, ok := s.runner.Scheduler().Next(a.ID); ok {
		v := next.UTC().Format(time.RFC3339)
		resp.NextRunAt = &v
	}
	outstanding, err := s.secrets.Outstanding(r.Context(), a.ID)
	if err != nil {
		return resp, err
	}
	for _, req := range outstanding {
		resp.SecretRequests = append(resp.SecretRequests, secretRequestResponse{
			Name:         req.Name,
			Description:  req.Description,
			Category:     req.Category,
			ExampleValue: req.ExampleValue,
			Reason:       req.Reason,
			CreatedAt:    req.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	rem, err := s.store.LatestRemediation(r.Context(), a.ID)
	switch {
	case err == nil:
		resp.LastRemediation = &remediationResponse{
			ID:        rem.ID,
			RunID:     rem.RunID,
			Fix:       rem.Fix,
			Applied:   rem.Applied,
			CreatedAt: rem.CreatedAt.UTC().Format(time.RFC3339),
		}
	case !errors.Is(err, store.ErrRemediationNotFound):
		return resp, err
	}
	return resp, nil
}

type promoteResponse struct {
	Automation   automationResponse `json:"automation"`
	DeploymentID string             `json:"deploymentId"`
	ContentHash  string             `json:"contentHash"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	a, d, err := s.runner.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "promote", err)
		return
	}
	resp, err := s.describeAutomation(r, a)
	if err != nil {
		s.writeServiceError(w, r, "promote", err)
		return
	}
	writeJSON(w, http.StatusOK, promoteResponse{Automation: resp, DeploymentID: d.ID, ContentHash: d.ContentHash})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	a, err := s.runner.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "deactivate", err)
		return
	}
	writeJSON(w, http.StatusOK, automationToResponse(a))
}

type chatRequest struct {
	Messages        []llm.Message `json:"messages"`
	Model           string        `json:"model,omitempty"`
	ReasoningEffort string        `json:"reasoningEffort,omitempty"`
}

type chatDone struct {
	State    core.AuthoringState `json:"state"`
	Messages []llm.Message       `json:"messages"`
}

type chatError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatLine struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleChat runs one authoring turn and streams its events as
// newline-delimited JSON. Input problems are reported with a regular error
// response; failures after the stream started end it with an error line.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "chat", err)
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "at least one message is required")
		return
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "message role must be one of user, assistant, tool")
			return
		}
	}
	effort, err := agent.ParseEffort(req.ReasoningEffort)
	if err != nil {
		s.writeServiceError(w, r, "chat", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	emit := func(v any) error {
		if err := enc.Encode(v); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := s.agent.Run(r.Context(), agent.Turn{
		Automation:      a,
		Messages:        req.Messages,
		Model:           req.Model,
		ReasoningEffort: effort,
	}, func(ev agent.Event) error {
		return emit(agent.Wrap(ev))
	})
	if err != nil {
		_, kind := statusFor(err)
		s.logger.Warn("chat turn failed", "automation_id", a.ID, "err", err)
		message := err.Error()
		if kind == core.KindInternal {
			message = "chat failed"
		}
		_ = emit(chatLine{Type: "error", Data: chatError{Code: string(kind), Message: message}})
		return
	}
	_ = emit(chatLine{Type: "done", Data: chatDone{State: res.State, Messages: res.Messages}})
}
