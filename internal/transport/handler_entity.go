package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rentalportal/internal/lifecycle"
	"github.com/pitabwire/rentalportal/internal/status"
	"github.com/pitabwire/rentalportal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// entityResponse is an entity together with its rendered status badge.
type entityResponse struct {
	model.Entity
	Badge status.Badge `json:"badge"`
}

func newEntityResponse(e model.Entity) entityResponse {
	return entityResponse{Entity: e, Badge: status.Of(e)}
}

func handleCreateEntity(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := model.ParseKind(chi.URLParam(r, "kind"))
		if !ok {
			WriteError(w, r, model.NewNotFoundError(fmt.Sprintf("unknown entity kind %q", chi.URLParam(r, "kind"))))
			return
		}

		var body struct {
			Attributes map[string]any `json:"attributes"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		e, err := entities.Create(r.Context(), kind, body.Attributes)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, newEntityResponse(e))
	}
}

func handleGetEntity(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := entities.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newEntityResponse(e))
	}
}

func handleListEntities(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.EntityFilters{
			State:  model.State(q.Get("state")),
			Limit:  min(queryInt(r, "limit", defaultListLimit), maxListLimit),
			Offset: queryInt(r, "offset", 0),
		}
		if raw := q.Get("kind"); raw != "" {
			kind, ok := model.ParseKind(raw)
			if !ok {
				WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("unknown entity kind %q", raw)))
				return
			}
			filters.Kind = kind
		}

		list, err := entities.List(r.Context(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		type item struct {
			model.EntitySummary
			Badge status.Badge `json:"badge"`
		}
		data := make([]item, len(list))
		for i, e := range list {
			data[i] = item{EntitySummary: e.Summary(), Badge: status.Of(e)}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   data,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleEntityActions(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggers, err := entities.Actions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if triggers == nil {
			triggers = []model.Trigger{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"actions": triggers})
	}
}

func handleTransition(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Trigger model.Trigger  `json:"trigger"`
			Note    string         `json:"note"`
			Payload map[string]any `json:"payload"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.Trigger == "" {
			WriteError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "trigger", Code: "REQUIRED", Message: "trigger is required"},
			}))
			return
		}

		e, err := entities.Apply(r.Context(), chi.URLParam(r, "id"), body.Trigger, body.Note, body.Payload)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newEntityResponse(e))
	}
}

func handleComment(entities *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Note string `json:"note"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		e, err := entities.Comment(r.Context(), chi.URLParam(r, "id"), body.Note)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, newEntityResponse(e))
	}
}

func handleStatusPalette(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"badges": status.Palette()})
}
