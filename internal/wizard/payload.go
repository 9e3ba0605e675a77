package wizard

import (
	"encoding/json"
	"maps"
)

// Payload is the immutable record handed to the submit function. It owns
// copies of the session's values and consents, so later edits cannot leak
// into a submission already in flight.
type Payload struct {
	fields   map[string]any
	consents map[string]bool
}

func newPayload(values map[string]any, consents map[string]bool) Payload {
	return Payload{fields: maps.Clone(values), consents: maps.Clone(consents)}
}

// Get returns one field value.
func (p Payload) Get(name string) (any, bool) {
	v, ok := p.fields[name]
	return v, ok
}

// String returns a field value as a string, or "" when absent or not a string.
func (p Payload) String(name string) string {
	s, _ := p.fields[name].(string)
	return s
}

// Fields returns a copy of all field values.
func (p Payload) Fields() map[string]any {
	out := maps.Clone(p.fields)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Consents returns a copy of the consent flags.
func (p Payload) Consents() map[string]bool {
	out := maps.Clone(p.consents)
	if out == nil {
		out = map[string]bool{}
	}
	return out
}

// Len returns the number of fields.
func (p Payload) Len() int {
	return len(p.fields)
}

// Empty reports whether the payload is the zero value.
func (p Payload) Empty() bool {
	return p.fields == nil && p.consents == nil
}

// MarshalJSON renders the payload as {"fields": ..., "consents": ...}.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Fields   map[string]any  `json:"fields"`
		Consents map[string]bool `json:"consents"`
	}{p.Fields(), p.Consents()})
}
