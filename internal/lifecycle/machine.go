// Package lifecycle implements the entity lifecycle state machine, the four
// concrete transition tables, and the service that persists transitions.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/rentalportal/model"
)

// GuardInput is what a transition guard sees: the entity before the
// transition, the caller-supplied payload and the machine's clock reading.
type GuardInput struct {
	Entity  model.Entity
	Payload map[string]any
	Now     time.Time
}

// Guard is an optional precondition on an edge. Returning false rejects the
// transition exactly as a missing edge would.
type Guard func(in GuardInput) bool

// Edge is one legal (state, trigger) -> state move.
type Edge struct {
	From    model.State
	Trigger model.Trigger
	To      model.State
	Guard   Guard
}

type edgeKey struct {
	from    model.State
	trigger model.Trigger
}

// Table is the complete transition table of one entity kind.
type Table struct {
	Kind  model.EntityKind
	edges map[edgeKey]Edge
	order []Edge
	dups  []Edge
}

// NewTable builds a table for kind from the given edges. Duplicate
// (From, Trigger) pairs are kept out of the table and reported by Validate.
func NewTable(kind model.EntityKind, edges ...Edge) *Table {
	t := &Table{Kind: kind, edges: make(map[edgeKey]Edge, len(edges))}
	for _, e := range edges {
		k := edgeKey{from: e.From, trigger: e.Trigger}
		if _, exists := t.edges[k]; exists {
			t.dups = append(t.dups, e)
			continue
		}
		t.edges[k] = e
		t.order = append(t.order, e)
	}
	return t
}

// Edge returns the edge leaving from on trigger, if any.
func (t *Table) Edge(from model.State, trigger model.Trigger) (Edge, bool) {
	e, ok := t.edges[edgeKey{from: from, trigger: trigger}]
	return e, ok
}

// Triggers returns the triggers with an edge leaving from, in declaration
// order. Guards are not evaluated.
func (t *Table) Triggers(from model.State) []model.Trigger {
	var out []model.Trigger
	for _, e := range t.order {
		if e.From == from {
			out = append(out, e.Trigger)
		}
	}
	return out
}

// Reachable returns every state reachable from the kind's initial state,
// including the initial state itself, in lifecycle order.
func (t *Table) Reachable() []model.State {
	seen := map[model.State]bool{t.Kind.Initial(): true}
	queue := []model.State{t.Kind.Initial()}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, e := range t.order {
			if e.From == s && !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var out []model.State
	for _, s := range t.Kind.States() {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the table's structure: every edge stays inside the kind's
// state set, terminal states have no outgoing edges, every reachable
// non-terminal state has at least one outgoing edge and no (state, trigger)
// pair is declared twice.
func (t *Table) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", t.Kind)
	}
	var problems []string
	for _, e := range t.dups {
		problems = append(problems, fmt.Sprintf("duplicate edge %s -%s->", e.From, e.Trigger))
	}
	for _, e := range t.order {
		if !t.Kind.Has(e.From) {
			problems = append(problems, fmt.Sprintf("edge source %q is not a %s state", e.From, t.Kind))
		}
		if !t.Kind.Has(e.To) {
			problems = append(problems, fmt.Sprintf("edge target %q is not a %s state", e.To, t.Kind))
		}
		if t.Kind.Terminal(e.From) {
			problems = append(problems, fmt.Sprintf("terminal state %q has outgoing edge %s", e.From, e.Trigger))
		}
	}
	for _, s := range t.Reachable() {
		if !t.Kind.Terminal(s) && len(t.Triggers(s)) == 0 {
			problems = append(problems, fmt.Sprintf("state %q is a dead end", s))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%s table: %s", t.Kind, strings.Join(problems, "; "))
	}
	return nil
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the machine's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine applies transitions using one table per entity kind. It holds no
// per-entity state and is safe for concurrent use.
type Machine struct {
	tables map[model.EntityKind]*Table
	now    func() time.Time
}

// NewMachine creates a machine over the given tables. Every table must pass
// Validate and each kind may appear once.
func NewMachine(tables []*Table, opts ...Option) (*Machine, error) {
	m := &Machine{
		tables: make(map[model.EntityKind]*Table, len(tables)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	var errs []error
	for _, t := range tables {
		if _, exists := m.tables[t.Kind]; exists {
			errs = append(errs, fmt.Errorf("duplicate table for kind %q", t.Kind))
			continue
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		m.tables[t.Kind] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Table returns the transition table for kind.
func (m *Machine) Table(kind model.EntityKind) (*Table, bool) {
	t, ok := m.tables[kind]
	return t, ok
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Create returns a new entity of kind in its initial state with an empty
// timeline. The attribute map is copied.
func (m *Machine) Create(kind model.EntityKind, id string, attributes map[string]any) (model.Entity, error) {
	if _, ok := m.tables[kind]; !ok {
		return model.Entity{}, model.NewBadRequestError(fmt.Sprintf("unknown entity kind %q", kind))
	}
	if id == "" {
		return model.Entity{}, model.NewBadRequestError("entity id is required")
	}
	now := m.now()
	attrs := make(map[string]any, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	return model.Entity{
		ID:         id,
		Kind:       kind,
		State:      kind.Initial(),
		Attributes: attrs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Transition applies trigger to e and returns the updated entity with one
// transition event appended. On any failure e is returned untouched together
// with an INVALID_TRANSITION error; a missing edge and a rejecting guard are
// indistinguishable to the caller.
func (m *Machine) Transition(e model.Entity, trigger model.Trigger, actorID, note string, payload map[string]any) (model.Entity, error) {
	rejected := model.NewInvalidTransitionError(e.Kind, e.State, trigger)

	t, ok := m.tables[e.Kind]
	if !ok || !e.Kind.Has(e.State) {
		return e, rejected
	}
	edge, ok := t.Edge(e.State, trigger)
	if !ok {
		return e, rejected
	}

	now := m.now()
	if edge.Guard != nil && !edge.Guard(GuardInput{Entity: e, Payload: payload, Now: now}) {
		return e, rejected
	}

	out := e.Clone()
	out.State = edge.To
	out.UpdatedAt = now
	out.Timeline.Append(model.Event{
		Timestamp: now,
		ActorID:   actorID,
		FromState: edge.From,
		ToState:   edge.To,
		Kind:      model.EventTransition,
		Trigger:   trigger,
		Note:      note,
	})
	return out, nil
}

// Comment appends a comment event to e without changing its state.
func (m *Machine) Comment(e model.Entity, actorID, note string) (model.Entity, error) {
	if strings.TrimSpace(note) == "" {
		return e, model.NewValidationError([]model.FieldError{
			{Field: "note", Code: "REQUIRED", Message: "Comment text is required"},
		})
	}
	if !e.Kind.Has(e.State) {
		return e, model.NewBadRequestError(fmt.Sprintf("entity %q holds unknown state %q", e.ID, e.State))
	}
	now := m.now()
	out := e.Clone()
	out.UpdatedAt = now
	out.Timeline.Append(model.Event{
		Timestamp: now,
		ActorID:   actorID,
		FromState: e.State,
		ToState:   e.State,
		Kind:      model.EventComment,
		Note:      note,
	})
	return out, nil
}

// Available returns the triggers e accepts right now, with guards evaluated
// against an empty payload.
func (m *Machine) Available(e model.Entity) []model.Trigger {
	t, ok := m.tables[e.Kind]
	if !ok {
		return nil
	}
	now := m.now()
	var out []model.Trigger
	for _, trig := range t.Triggers(e.State) {
		edge, _ := t.Edge(e.State, trig)
		if edge.Guard == nil || edge.Guard(GuardInput{Entity: e, Now: now}) {
			out = append(out, trig)
		}
	}
	return out
}
