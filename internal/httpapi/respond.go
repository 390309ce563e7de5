package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/task"
)

var (
	errNotConfigured = errors.New("not configured")
	errUnhealthy     = errors.New("unhealthy")
)

// apiError is the wire shape of every error response.
type apiError struct {
	status int
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

func errKind(status int, kind, msg string) *apiError {
	return &apiError{status: status, Kind: kind, Error: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *apiError) {
	writeJSON(w, e.status, e)
}

// mapError translates domain errors into the error-kind taxonomy.
func mapError(err error) *apiError {
	var invalid *task.InvalidTransitionError
	var failed *provider.AllProvidersFailedError

	switch {
	case errors.Is(err, task.ErrNotFound):
		return errKind(http.StatusNotFound, "NotFound", err.Error())
	case errors.As(err, &invalid):
		return errKind(http.StatusConflict, "InvalidTransition", err.Error())
	case errors.Is(err, resilience.ErrRateLimited):
		return errKind(http.StatusTooManyRequests, "RateLimited", err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		return errKind(http.StatusServiceUnavailable, "CircuitOpen", err.Error())
	case errors.As(err, &failed):
		return errKind(http.StatusServiceUnavailable, "AllProvidersFailed", err.Error())
	default:
		return errKind(http.StatusInternalServerError, "Internal", err.Error())
	}
}

// decodeBody parses a JSON request body, rejecting unknown garbage early.
func decodeBody(r *http.Request, out any) *apiError {
	if r.Body == nil {
		return errKind(http.StatusBadRequest, "Validation", "empty request body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		return errKind(http.StatusBadRequest, "Validation", "malformed JSON: "+err.Error())
	}
	return nil
}
