package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/caseline/internal/investigation"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps investigation service errors onto HTTP responses. Unknown
// ids and foreign owners arrive here already collapsed to ErrNotFound.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, investigation.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "investigation not found")
	case errors.Is(err, investigation.ErrAlreadyExists):
		httpError(w, http.StatusConflict, "conflict_error", "investigation already exists")
	case errors.Is(err, investigation.ErrVersionConflict):
		httpError(w, http.StatusConflict, "version_conflict", "expected version is stale; re-read and retry")
	case errors.Is(err, investigation.ErrTerminalState):
		httpError(w, http.StatusConflict, "terminal_state", "investigation is in a terminal state")
	case errors.Is(err, investigation.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "invalid_transition", "%v", err)
	case errors.Is(err, investigation.ErrNotCompleted):
		httpError(w, http.StatusConflict, "not_completed", "results are only available after completion")
	case errors.Is(err, investigation.ErrSettingsMissing):
		httpError(w, http.StatusConflict, "settings_missing", "settings must be attached first")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
