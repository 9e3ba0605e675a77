// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the portal API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrConsentRequired:   http.StatusUnprocessableEntity,
	model.ErrFrozenSession:     http.StatusConflict,
	model.ErrConcurrentSubmit:  http.StatusConflict,
	model.ErrStaleResponse:     http.StatusGone,
	model.ErrNetworkError:      http.StatusBadGateway,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error     *model.ErrorEnvelope `json:"error"`
	Retryable bool                 `json:"retryable,omitempty"`
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that carry no envelope become a generic 500 so internals never
// leak to clients.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}

	out := *env
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out, Retryable: out.Retryable()})
}

// decodeJSON reads a JSON request body into dst. Unknown fields and trailing
// data are rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body is too large")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return model.NewBadRequestError("request body must hold a single JSON object")
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
