package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"evidenceflow/internal/sandbox"
)

type createSandboxRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

type sandboxResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// externalStatus is the wire name of a reported sandbox status.
func externalStatus(st sandbox.Status) string {
	if st == sandbox.StatusRunning {
		return "ok"
	}
	return string(st)
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeoutSeconds must be non-negative")
		return
	}
	timeout := s.sandboxTimeout
	if req.TimeoutSeconds > 0 {
		if int64(req.TimeoutSeconds) > int64(s.sandboxTimeout/time.Second) {
			writeError(w, http.StatusBadRequest, "invalid_input",
				fmt.Sprintf("timeoutSeconds must not exceed %d", int64(s.sandboxTimeout/time.Second)))
			return
		}
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	sess, err := s.sandbox.Create(r.Context(), timeout)
	if err != nil {
		s.writeServiceError(w, r, "create sandbox", err)
		return
	}
	s.sandboxMu.Lock()
	s.sandboxes[sess.ID] = struct{}{}
	s.sandboxMu.Unlock()
	writeJSON(w, http.StatusCreated, sandboxResponse{
		ID:        sess.ID,
		Status:    externalStatus(sess.Status),
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleSandboxStatus applies the same optimistic reading as the authoring
// tools: a session that was not explicitly deleted is reported running.
func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	observed, err := s.sandbox.Status(r.Context(), id)
	if err != nil {
		s.writeSandboxError(w, r, "sandbox status", err)
		return
	}
	s.sandboxMu.Lock()
	_, wanted := s.sandboxes[id]
	s.sandboxMu.Unlock()
	writeJSON(w, http.StatusOK, sandboxResponse{ID: id, Status: externalStatus(sandbox.ReportedStatus(wanted, observed))})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandboxID")
	if err := s.sandbox.Stop(r.Context(), id); err != nil {
		s.writeSandboxError(w, r, "stop sandbox", err)
		return
	}
	s.sandboxMu.Lock()
	delete(s.sandboxes, id)
	s.sandboxMu.Unlock()
	if s.toolbox != nil {
		s.toolbox.Release(id)
	}
	writeJSON(w, http.StatusOK, sandboxResponse{ID: id, Status: externalStatus(sandbox.StatusStopped)})
}

func (s *Server) writeSandboxError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, sandbox.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "sandbox not found")
		return
	}
	s.writeServiceError(w, r, op, err)
}
