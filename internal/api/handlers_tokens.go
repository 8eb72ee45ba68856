package api

import (
	"net/http"
	"strings"
	"time"

	"evidenceflow/internal/tokens"
)

type mintTokenRequest struct {
	RunIDs      []string `json:"runIds,omitempty"`
	TaskID      string   `json:"taskId,omitempty"`
	MultipleUse bool     `json:"multipleUse,omitempty"`
	TTLSeconds  int      `json:"ttlSeconds,omitempty"`
}

type mintTokenResponse struct {
	Token       string   `json:"token"`
	RunIDs      []string `json:"runIds,omitempty"`
	TaskIDs     []string `json:"taskIds,omitempty"`
	MultipleUse bool     `json:"multipleUse,omitempty"`
	ExpiresAt   string   `json:"expiresAt"`
}

// handleMintToken issues a single-use token for existing runs, or a
// multiple-use token for an allow-listed task.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ttlSeconds must be non-negative")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second

	var (
		token  string
		claims *tokens.Claims
		err    error
	)
	if req.MultipleUse {
		if strings.TrimSpace(req.TaskID) == "" || len(req.RunIDs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "a multiple-use token takes exactly a taskId")
			return
		}
		token, claims, err = s.tokens.MintMultipleUse(req.TaskID, ttl)
	} else {
		if req.TaskID != "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "taskId requires multipleUse")
			return
		}
		for _, id := range req.RunIDs {
			if _, err := s.tracker.Get(r.Context(), id); err != nil {
				s.writeServiceError(w, r, "mint token", err)
				return
			}
		}
		token, claims, err = s.tokens.Mint(req.RunIDs, ttl)
	}
	if err != nil {
		s.writeServiceError(w, r, "mint token", err)
		return
	}
	s.logger.Info("access token minted", "token_id", claims.ID, "runs", len(claims.RunIDs), "multiple_use", claims.MultipleUse)
	writeJSON(w, http.StatusCreated, mintTokenResponse{
		Token:       token,
		RunIDs:      claims.RunIDs,
		TaskIDs:     claims.TaskIDs,
		MultipleUse: claims.MultipleUse,
		ExpiresAt:   time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339),
	})
}
