package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"evidenceflow/internal/core"
	"evidenceflow/internal/scripts"
)

type scriptMetadata struct {
	Runtime   string   `json:"runtime"`
	Handler   string   `json:"handler"`
	Packaging string   `json:"packaging,omitempty"`
	Language  string   `json:"language,omitempty"`
	Secrets   []string `json:"secrets,omitempty"`
}

type putScriptRequest struct {
	Content  string         `json:"content"`
	Metadata scriptMetadata `json:"metadata"`
}

type scriptResponse struct {
	Key          string         `json:"key"`
	Content      string         `json:"content"`
	Metadata     scriptMetadata `json:"metadata"`
	ETag         string         `json:"etag"`
	LastModified string         `json:"lastModified"`
}

func (s *Server) handlePutScript(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	taskID := chi.URLParam(r, "taskID")
	var req putScriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "content is required")
		return
	}
	if req.Metadata.Runtime == "" || req.Metadata.Handler == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "metadata.runtime and metadata.handler are required")
		return
	}
	meta := core.ScriptMetadata{
		Runtime:   req.Metadata.Runtime,
		Handler:   req.Metadata.Handler,
		Packaging: req.Metadata.Packaging,
		Language:  req.Metadata.Language,
		Secrets:   req.Metadata.Secrets,
	}
	res, err := s.scripts.Put(r.Context(), orgID, taskID, []byte(req.Content), meta, r.URL.Query().Get("variant"))
	if err != nil {
		s.writeServiceError(w, r, "put script", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetScripts reads one object by ?key= or lists an organization by ?orgId=.
func (s *Server) handleGetScripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		obj, err := s.scripts.Get(r.Context(), key)
		if err != nil {
			s.writeServiceError(w, r, "get script", err)
			return
		}
		writeJSON(w, http.StatusOK, scriptResponse{
			Key:     obj.Key,
			Content: string(obj.Content),
			Metadata: scriptMetadata{
				Runtime:   obj.Metadata.Runtime,
				Handler:   obj.Metadata.Handler,
				Packaging: obj.Metadata.Packaging,
				Language:  obj.Metadata.Language,
				Secrets:   obj.Metadata.Secrets,
			},
			ETag:         obj.ETag,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
		})
		return
	}
	orgID := q.Get("orgId")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "key or orgId is required")
		return
	}
	entries, err := s.scripts.List(r.Context(), orgID, parseIntDefault(q.Get("limit"), scripts.MaxListPage))
	if err != nil {
		s.writeServiceError(w, r, "list scripts", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
