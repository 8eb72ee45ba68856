package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"evidenceflow/internal/core"
	"evidenceflow/internal/runner"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/store"
	"evidenceflow/internal/tokens"
)

// maxBodyBytes bounds request bodies; handler sources are the largest payload.
const maxBodyBytes = 4 << 20

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 5

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// decodeJSON reads one JSON object into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "invalid_json", "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("invalid JSON payload: %v", err))
		}
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status and envelope code.
func statusFor(err error) (int, core.Kind) {
	switch {
	case errors.Is(err, store.ErrAutomationNotFound),
		errors.Is(err, store.ErrDeploymentNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, scripts.ErrNotFound):
		return http.StatusNotFound, core.KindNotFound
	case errors.Is(err, store.ErrAutomationExists),
		errors.Is(err, store.ErrAmbiguousTask),
		errors.Is(err, runner.ErrNotReady),
		errors.Is(err, runner.ErrRunInFlight):
		return http.StatusConflict, core.KindConflict
	case errors.Is(err, tokens.ErrOutOfScope), errors.Is(err, tokens.ErrTaskNotAllowed):
		return http.StatusForbidden, core.KindForbidden
	}
	kind := core.KindOf(err)
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest, kind
	case core.KindUnauthorized:
		return http.StatusUnauthorized, kind
	case core.KindForbidden:
		return http.StatusForbidden, kind
	case core.KindNotFound:
		return http.StatusNotFound, kind
	case core.KindConflict:
		return http.StatusConflict, kind
	case core.KindUnavailable:
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusInternalServerError, core.KindInternal
	}
}

// writeServiceError writes the envelope for err. Internal errors are logged
// and their details withheld.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "path", r.URL.Path, "err", err)
		writeError(w, status, string(kind), op+" failed")
		return
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Warn(op, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, string(kind), err.Error())
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}
