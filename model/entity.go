package model

import "time"

// Entity is a domestic record (property listing, rental application,
// agreement or grievance) moving through its kind's lifecycle.
//
// When the timeline is non-empty, State always equals the ToState of the
// last timeline event.
type Entity struct {
	ID         string         `json:"id"`
	Kind       EntityKind     `json:"kind"`
	State      State          `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timeline   Timeline       `json:"timeline"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    int            `json:"version"`
}

// Terminal reports whether the entity has reached a terminal state.
func (e Entity) Terminal() bool {
	return e.Kind.Terminal(e.State)
}

// Clone returns a deep-enough copy: the timeline and the top-level attribute
// map are duplicated so mutations of the copy never leak into e.
func (e Entity) Clone() Entity {
	out := e
	out.Timeline = e.Timeline.Clone()
	if e.Attributes != nil {
		out.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// EntitySummary is a lightweight representation of an entity used in list
// views and dashboards.
type EntitySummary struct {
	ID        string     `json:"id"`
	Kind      EntityKind `json:"kind"`
	State     State      `json:"state"`
	Events    int        `json:"events"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary returns the list-view projection of the entity.
func (e Entity) Summary() EntitySummary {
	return EntitySummary{
		ID:        e.ID,
		Kind:      e.Kind,
		State:     e.State,
		Events:    e.Timeline.Len(),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// EntityFilters are optional filters for listing entities.
type EntityFilters struct {
	Kind   EntityKind
	State  State
	Limit  int
	Offset int
}
