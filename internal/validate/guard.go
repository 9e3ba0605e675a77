package validate

import (
	"fmt"
	"sort"

	"github.com/pitabwire/rentalportal/model"
)

// Condition is a domain-level check over the whole value set, such as "the
// consent checkbox must be ticked" or "move-in date is after today". Field
// names the input the failure is reported against.
type Condition struct {
	Field string
	Check func(values map[string]any) error
}

// Guard composes required-ness, per-field rules and domain conditions into a
// single pass/fail decision.
type Guard struct {
	Required   []string
	Fields     map[string][]Rule
	Conditions []Condition
}

// Errors maps a field name to the first reason it failed.
type Errors map[string]*Reason

// Check evaluates every field and every condition and returns all failures.
// It is not fail-fast. Empty optional fields skip their rules; a missing
// required field reports REQUIRED only.
func (g Guard) Check(values map[string]any) Errors {
	errs := Errors{}
	required := make(map[string]bool, len(g.Required))
	for _, f := range g.Required {
		required[f] = true
		if !Present(values[f]) {
			errs[f] = &Reason{Code: CodeRequired, Message: "This field is required"}
		}
	}

	for field, rules := range g.Fields {
		if _, failed := errs[field]; failed {
			continue
		}
		v, ok := values[field]
		if (!ok || !Present(v)) && !required[field] {
			continue
		}
		for _, rule := range rules {
			if err := rule(v); err != nil {
				errs[field] = toReason(err)
				break
			}
		}
	}

	for _, c := range g.Conditions {
		if _, failed := errs[c.Field]; failed {
			continue
		}
		if err := c.Check(values); err != nil {
			errs[c.Field] = toReason(err)
		}
	}
	return errs
}

// Valid reports whether values pass the guard.
func (g Guard) Valid(values map[string]any) bool {
	return len(g.Check(values)) == 0
}

// FieldNames returns the names of every field the guard inspects, sorted.
func (g Guard) FieldNames() []string {
	seen := map[string]bool{}
	for _, f := range g.Required {
		seen[f] = true
	}
	for f := range g.Fields {
		seen[f] = true
	}
	for _, c := range g.Conditions {
		seen[c.Field] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether no failures were collected.
func (e Errors) Empty() bool {
	return len(e) == 0
}

// FieldErrors converts the failures into envelope details sorted by field.
func (e Errors) FieldErrors() []model.FieldError {
	out := make([]model.FieldError, 0, len(e))
	for field, r := range e {
		out = append(out, model.FieldError{Field: field, Code: r.Code, Message: r.Message})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Err returns a VALIDATION_ERROR envelope, or nil when there are no failures.
func (e Errors) Err() error {
	if e.Empty() {
		return nil
	}
	return model.NewValidationError(e.FieldErrors())
}

// ConsentGiven returns a condition requiring values[key] to be true.
func ConsentGiven(key string) Condition {
	rule := IsTrue()
	return Condition{
		Field: key,
		Check: func(values map[string]any) error { return rule(values[key]) },
	}
}

// FromDefinition compiles a YAML rule into a Rule.
func FromDefinition(def model.RuleDefinition) (Rule, error) {
	var r Rule
	switch def.Type {
	case "digits":
		if def.Value <= 0 {
			return nil, fmt.Errorf("rule digits: value must be positive")
		}
		r = DigitsExactly(def.Value)
	case "non_empty":
		r = NonEmpty()
	case "min_length":
		if def.Value <= 0 {
			return nil, fmt.Errorf("rule min_length: value must be positive")
		}
		r = MinLength(def.Value)
	case "one_of":
		if len(def.Values) == 0 {
			return nil, fmt.Errorf("rule one_of: values are required")
		}
		r = IsOneOf(def.Values...)
	case "is_true":
		r = IsTrue()
	case "range":
		if def.Min == nil || def.Max == nil {
			return nil, fmt.Errorf("rule range: min and max are required")
		}
		if *def.Min > *def.Max {
			return nil, fmt.Errorf("rule range: min %v exceeds max %v", *def.Min, *def.Max)
		}
		r = InRange(*def.Min, *def.Max)
	default:
		return nil, fmt.Errorf("unknown rule type %q", def.Type)
	}
	return WithMessage(r, def.Message), nil
}

func toReason(err error) *Reason {
	if r, ok := err.(*Reason); ok {
		return r
	}
	return &Reason{Code: CodeInvalid, Message: err.Error()}
}
