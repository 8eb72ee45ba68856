package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type resolveSecretRequest struct {
	Value string `json:"value"`
}

type resolveSecretResponse struct {
	Name string `json:"name"`
	// Unblocked lists the automations whose requests this value satisfied.
	Unblocked []string `json:"unblocked"`
}

func (s *Server) handleResolveSecret(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	name := chi.URLParam(r, "name")
	var req resolveSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, err := s.secrets.Resolve(r.Context(), orgID, name, req.Value)
	if err != nil {
		s.writeServiceError(w, r, "resolve secret", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, resolveSecretResponse{Name: name, Unblocked: ids})
}
