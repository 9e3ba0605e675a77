package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/rentalportal/model"
)

type errorBody struct {
	Error     model.ErrorEnvelope `json:"error"`
	Retryable bool                `json:"retryable"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNotFoundError("entity not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", body.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("start session: %w", model.NewConsentRequiredError([]string{"terms"}))
	WriteError(w, httptest.NewRequest("GET", "/", nil), err)

	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != model.ErrConsentRequired || len(body.Error.Details) != 1 {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), errors.New("pq: relation does not exist"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "relation") {
		t.Error("internal error text leaked to the client")
	}
}

func TestWriteError_networkIsRetryable(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNetworkError("save entity", errors.New("timeout")))

	if w.Code != 502 {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if !decodeError(t, w).Retryable {
		t.Error("NETWORK_ERROR should be marked retryable")
	}
}

func TestStatusFor(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInvalidTransition, 422},
		{model.ErrConsentRequired, 422},
		{model.ErrFrozenSession, 409},
		{model.ErrConcurrentSubmit, 409},
		{model.ErrStaleResponse, 410},
		{model.ErrNetworkError, 502},
		{model.ErrInternalError, 500},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			if got := StatusFor(tc.code); got != tc.status {
				t.Errorf("StatusFor(%s) = %d, want %d", tc.code, got, tc.status)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"note":"hi"}`, true},
		{"empty", ``, false},
		{"unknown field", `{"note":"hi","extra":1}`, false},
		{"trailing object", `{"note":"hi"}{"note":"again"}`, false},
		{"malformed", `{"note":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", bytes.NewBufferString(tt.body))
			var dst struct {
				Note string `json:"note"`
			}
			err := decodeJSON(r, &dst)
			if tt.ok && err != nil {
				t.Fatalf("decodeJSON() = %v", err)
			}
			if !tt.ok && !model.IsCode(err, model.ErrBadRequest) {
				t.Errorf("decodeJSON() = %v, want BAD_REQUEST", err)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=20&offset=abc&neg=-3", nil)
	if got := queryInt(r, "limit", 50); got != 20 {
		t.Errorf("limit = %d", got)
	}
	if got := queryInt(r, "offset", 0); got != 0 {
		t.Errorf("offset = %d", got)
	}
	if got := queryInt(r, "neg", 7); got != 7 {
		t.Errorf("neg = %d", got)
	}
	if got := queryInt(r, "missing", 5); got != 5 {
		t.Errorf("missing = %d", got)
	}
}
