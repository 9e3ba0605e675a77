package model

import (
	"encoding/json"
	"iter"
	"time"
)

// EventKind distinguishes state-changing records from comments.
type EventKind string

// Event kinds.
const (
	EventTransition EventKind = "transition"
	EventComment    EventKind = "comment"
)

// Event is one entry in an entity's audit trail.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Kind      EventKind `json:"kind"`
	Trigger   Trigger   `json:"event,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Timeline is the append-only audit trail of a single entity. The zero value
// is an empty timeline ready for use. There is no way to update or remove an
// entry once appended.
type Timeline struct {
	events []Event
}

// Append adds an event to the end of the timeline. An event stamped earlier
// than its predecessor is clamped to the predecessor's timestamp so the
// sequence never goes backwards.
func (t *Timeline) Append(e Event) {
	if n := len(t.events); n > 0 && e.Timestamp.Before(t.events[n-1].Timestamp) {
		e.Timestamp = t.events[n-1].Timestamp
	}
	t.events = append(t.events, e)
}

// Events returns a lazy sequence over the timeline in append order. Each call
// yields a fresh, finite iteration.
func (t Timeline) Events() iter.Seq[Event] {
	events := t.events
	return func(yield func(Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of recorded events.
func (t Timeline) Len() int {
	return len(t.events)
}

// Last returns the most recent event.
func (t Timeline) Last() (Event, bool) {
	if len(t.events) == 0 {
		return Event{}, false
	}
	return t.events[len(t.events)-1], true
}

// Clone returns an independent copy, so appends to the copy never show up
// in the original.
func (t Timeline) Clone() Timeline {
	return Timeline{events: append([]Event(nil), t.events...)}
}

// MarshalJSON encodes the timeline as an array of events.
func (t Timeline) MarshalJSON() ([]byte, error) {
	if t.events == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.events)
}

// UnmarshalJSON decodes an array of events, preserving order.
func (t *Timeline) UnmarshalJSON(data []byte) error {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	t.events = nil
	for _, e := range events {
		t.Append(e)
	}
	return nil
}
