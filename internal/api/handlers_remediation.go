package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"evidenceflow/internal/remediation"
)

type remediationRequest struct {
	LogLines []string `json:"logLines"`
}

// UnmarshalJSON accepts a bare array of log lines or {"logLines": [...]}.
func (req *remediationRequest) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &req.LogLines)
	}
	type object remediationRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode((*object)(req))
}

type suggestionResponse struct {
	// Available is false when no suggestion could be produced.
	Available bool                       `json:"available"`
	Fix       *remediation.StructuredFix `json:"fix,omitempty"`
}

// handleRemediation proposes a fix for pasted failure logs. Empty input is
// rejected; model failures degrade to available=false.
func (s *Server) handleRemediation(w http.ResponseWriter, r *http.Request) {
	var req remediationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := remediation.Check(req.LogLines); err != nil {
		s.writeServiceError(w, r, "remediation", err)
		return
	}
	fix := s.remediation.Suggest(r.Context(), req.LogLines)
	writeJSON(w, http.StatusOK, suggestionResponse{Available: fix != nil, Fix: fix})
}
