package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/engine"
	"flowgate.org/internal/workflow"
)

type errorResponse struct {
	Error string   `json:"error"`
	Steps []string `json:"steps,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeError maps domain sentinels to HTTP statuses in one place.
// An anonymous caller gets 401 where an identified caller gets 403, so
// clients can tell "log in" apart from "request access".
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var deniedErr *workflow.ExecutionDeniedError
	if errors.As(err, &deniedErr) {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error: "execution denied: required steps lack execute permission",
			Steps: deniedErr.Steps,
		})
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		if _, ok := auth.IdentityFromContext(r.Context()); !ok {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, workflow.ErrNotFound), errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict), errors.Is(err, workflow.ErrConflict):
		respondError(w, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, engine.ErrBadRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrInactive):
		respondError(w, http.StatusConflict, "workflow is inactive")
	case errors.Is(err, engine.ErrUnavailable):
		respondError(w, http.StatusBadGateway, "workflow engine unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
