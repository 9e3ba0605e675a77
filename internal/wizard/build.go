package wizard

import (
	"errors"
	"fmt"

	"github.com/pitabwire/rentalportal/internal/validate"
	"github.com/pitabwire/rentalportal/model"
)

// Condition operators accepted in applies_when.
const (
	OpEquals    = "eq"
	OpNotEquals = "neq"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpPresent   = "present"
	OpAbsent    = "absent"
)

// Build compiles a flow definition into wizard steps and the consent keys
// that must be ticked before submit.
func Build(def model.FlowDefinition) ([]Step, []string, error) {
	if len(def.Steps) == 0 {
		return nil, nil, fmt.Errorf("flow %q: no steps", def.ID)
	}

	var errs []error
	steps := make([]Step, 0, len(def.Steps))
	seen := make(map[string]bool, len(def.Steps))

	for i, sd := range def.Steps {
		path := fmt.Sprintf("flow %q steps[%d]", def.ID, i)
		if sd.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", path))
			continue
		}
		if seen[sd.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate step id %q", path, sd.ID))
			continue
		}
		seen[sd.ID] = true

		step, err := buildStep(sd)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		steps = append(steps, step)
	}

	consents := make([]string, 0, len(def.Consents))
	for _, c := range def.Consents {
		if c.Key == "" {
			errs = append(errs, fmt.Errorf("flow %q: consent without key", def.ID))
			continue
		}
		consents = append(consents, c.Key)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return steps, consents, nil
}

func buildStep(sd model.StepDefinition) (Step, error) {
	guard := validate.Guard{Fields: make(map[string][]validate.Rule)}
	fields := make(map[string]bool, len(sd.Fields))

	for _, fd := range sd.Fields {
		if fd.Field == "" {
			return Step{}, errors.New("field without name")
		}
		if fields[fd.Field] {
			return Step{}, fmt.Errorf("duplicate field %q", fd.Field)
		}
		fields[fd.Field] = true

		if fd.Required {
			guard.Required = append(guard.Required, fd.Field)
		}
		for _, rd := range fd.Rules {
			rule, err := validate.FromDefinition(rd)
			if err != nil {
				return Step{}, fmt.Errorf("field %q: %w", fd.Field, err)
			}
			guard.Fields[fd.Field] = append(guard.Fields[fd.Field], rule)
		}
	}

	step := Step{Name: sd.ID, Title: sd.Name, Guard: guard}
	if len(sd.AppliesWhen) > 0 {
		preds := make([]func(map[string]any) bool, 0, len(sd.AppliesWhen))
		for _, cd := range sd.AppliesWhen {
			p, err := compileCondition(cd)
			if err != nil {
				return Step{}, err
			}
			preds = append(preds, p)
		}
		step.IsApplicable = func(values map[string]any) bool {
			for _, p := range preds {
				if !p(values) {
					return false
				}
			}
			return true
		}
	}
	return step, nil
}

func compileCondition(cd model.ConditionDefinition) (func(map[string]any) bool, error) {
	if cd.Field == "" {
		return nil, errors.New("applies_when: field is required")
	}
	field := cd.Field

	switch cd.Operator {
	case OpEquals, OpNotEquals:
		want := fmt.Sprint(cd.Value)
		negate := cd.Operator == OpNotEquals
		return func(values map[string]any) bool {
			v, ok := values[field]
			eq := ok && fmt.Sprint(v) == want
			return eq != negate
		}, nil

	case OpIn, OpNotIn:
		list, ok := cd.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("applies_when %s on %q: value must be a list", cd.Operator, field)
		}
		set := make(map[string]bool, len(list))
		for _, item := range list {
			set[fmt.Sprint(item)] = true
		}
		negate := cd.Operator == OpNotIn
		return func(values map[string]any) bool {
			v, ok := values[field]
			in := ok && set[fmt.Sprint(v)]
			return in != negate
		}, nil

	case OpPresent:
		return func(values map[string]any) bool { return validate.Present(values[field]) }, nil

	case OpAbsent:
		return func(values map[string]any) bool { return !validate.Present(values[field]) }, nil

	default:
		return nil, fmt.Errorf("applies_when on %q: unknown operator %q", field, cd.Operator)
	}
}
