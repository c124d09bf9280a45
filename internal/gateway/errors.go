package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/punchsync/internal/reconcile"
	"github.com/roach88/punchsync/internal/store"
)

// RequestError carries the HTTP status a handler failure maps to.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(err error) *RequestError {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}

func unauthorized(err error) *RequestError {
	return &RequestError{StatusCode: http.StatusUnauthorized, Err: err}
}

// statusFor maps an error to a response status.
func statusFor(err error) int {
	var re *RequestError
	switch {
	case errors.As(err, &re):
		return re.StatusCode
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, reconcile.ErrInvalidAmendment):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail writes err with its mapped status. Internal errors are not echoed.
func (srv *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		srv.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal server error", status)
		return
	}
	writeError(w, err.Error(), status)
}
