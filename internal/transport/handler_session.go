package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rentalportal/internal/flow"
)

func handleListFlows(flows *flow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"flows": flows.Flows()})
	}
}

func handleStartSession(flows *flow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := flows.Start(r.Context(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, v)
	}
}

// sessionAction adapts a manager call that needs only the session ID.
func sessionAction(fn func(r *http.Request, sessionID string) (flow.SessionView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r, chi.URLParam(r, "sid"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

func handleGetSession(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		return flows.Get(r.Context(), sid)
	})
}

func handleAdvance(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		return flows.Advance(r.Context(), sid)
	})
}

func handleRetreat(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		return flows.Retreat(r.Context(), sid)
	})
}

func handleSetFields(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		var body struct {
			Values map[string]any `json:"values"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return flow.SessionView{}, err
		}
		return flows.SetFields(r.Context(), sid, body.Values)
	})
}

func handleSetConsents(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		var body struct {
			Consents map[string]bool `json:"consents"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return flow.SessionView{}, err
		}
		return flows.SetConsents(r.Context(), sid, body.Consents)
	})
}

func handleVerifyOtp(flows *flow.Manager) http.HandlerFunc {
	return sessionAction(func(r *http.Request, sid string) (flow.SessionView, error) {
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return flow.SessionView{}, err
		}
		return flows.VerifyOtp(r.Context(), sid, body.Code)
	})
}

func handleSendOtp(flows *flow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, err := flows.SendOtp(r.Context(), chi.URLParam(r, "sid"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ticket)
	}
}

func handleSubmit(flows *flow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := flows.Submit(r.Context(), chi.URLParam(r, "sid"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Entity != nil {
			status = http.StatusCreated
		}
		WriteJSON(w, status, res)
	}
}

func handleAbandon(flows *flow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := flows.Abandon(r.Context(), chi.URLParam(r, "sid")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
