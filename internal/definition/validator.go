package definition

import (
	"fmt"
	"slices"

	"github.com/pitabwire/rentalportal/internal/validate"
	"github.com/pitabwire/rentalportal/internal/wizard"
	"github.com/pitabwire/rentalportal/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including flow ID uniqueness across
// files.
func (v *Validator) Validate(defs []model.DomainDefinition) []VError {
	var errs []VError
	flowOwner := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDomain(prefix, def)...)

		for j, f := range def.Flows {
			if f.ID == "" {
				continue
			}
			if owner, dup := flowOwner[f.ID]; dup {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.flows[%d].id", prefix, j),
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("flow %q already defined in %s", f.ID, owner),
				})
				continue
			}
			flowOwner[f.ID] = def.SourceFile
		}
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Flows) == 0 {
		errs = append(errs, VError{Path: prefix + ".flows", Code: "REQUIRED", Message: "at least one flow is required"})
	}

	for i, f := range def.Flows {
		errs = append(errs, v.validateFlow(fmt.Sprintf("%s.flows[%d]", prefix, i), f)...)
	}
	return errs
}

var validFieldTypes = map[string]bool{
	"text": true, "email": true, "phone": true, "number": true, "select": true,
	"date": true, "textarea": true, "checkbox": true, "otp": true,
}

var validOperators = map[string]bool{
	wizard.OpEquals: true, wizard.OpNotEquals: true, wizard.OpIn: true,
	wizard.OpNotIn: true, wizard.OpPresent: true, wizard.OpAbsent: true,
}

func (v *Validator) validateFlow(prefix string, f model.FlowDefinition) []VError {
	var errs []VError

	if f.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if f.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if f.EntityKind != "" && !f.EntityKind.Valid() {
		errs = append(errs, VError{Path: prefix + ".entity_kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown entity kind %q", f.EntityKind)})
	}
	if len(f.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	consentKeys := make(map[string]bool)
	for i, c := range f.Consents {
		cp := fmt.Sprintf("%s.consents[%d]", prefix, i)
		switch {
		case c.Key == "":
			errs = append(errs, VError{Path: cp + ".key", Code: "REQUIRED", Message: "consent key is required"})
		case consentKeys[c.Key]:
			errs = append(errs, VError{Path: cp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("consent %q declared twice", c.Key)})
		}
		consentKeys[c.Key] = true
	}

	// Fields share one value map per session, so names are unique per flow.
	// Conditions may only look at fields declared on earlier steps.
	stepIDs := make(map[string]bool)
	earlier := make(map[string]bool)
	for i, s := range f.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		switch {
		case s.ID == "":
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		case stepIDs[s.ID]:
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step %q declared twice", s.ID)})
		}
		stepIDs[s.ID] = true

		if i == 0 && len(s.AppliesWhen) > 0 {
			errs = append(errs, VError{Path: sp + ".applies_when", Code: "NOT_ALLOWED", Message: "the first step always applies"})
		}
		for j, c := range s.AppliesWhen {
			errs = append(errs, v.validateCondition(fmt.Sprintf("%s.applies_when[%d]", sp, j), c, earlier)...)
		}

		var declared []string
		for j, fd := range s.Fields {
			fp := fmt.Sprintf("%s.fields[%d]", sp, j)
			errs = append(errs, v.validateField(fp, fd)...)
			if fd.Field == "" {
				continue
			}
			if earlier[fd.Field] || slices.Contains(declared, fd.Field) {
				errs = append(errs, VError{Path: fp + ".field", Code: "DUPLICATE", Message: fmt.Sprintf("field %q declared twice in flow", fd.Field)})
			}
			declared = append(declared, fd.Field)
		}
		for _, name := range declared {
			earlier[name] = true
		}
	}
	return errs
}

func (v *Validator) validateField(prefix string, fd model.FieldDefinition) []VError {
	var errs []VError

	if fd.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field name is required"})
	}
	if fd.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if fd.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	} else if !validFieldTypes[fd.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", fd.Type)})
	}
	for i, rd := range fd.Rules {
		if _, err := validate.FromDefinition(rd); err != nil {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.rules[%d]", prefix, i), Code: "INVALID_RULE", Message: err.Error()})
		}
	}
	return errs
}

func (v *Validator) validateCondition(prefix string, c model.ConditionDefinition, earlier map[string]bool) []VError {
	var errs []VError

	if c.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	} else if !earlier[c.Field] {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q is not declared on an earlier step", c.Field)})
	}

	if !validOperators[c.Operator] {
		errs = append(errs, VError{Path: prefix + ".operator", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operator %q", c.Operator)})
		return errs
	}
	if c.Operator == wizard.OpIn || c.Operator == wizard.OpNotIn {
		if _, ok := c.Value.([]any); !ok {
			errs = append(errs, VError{Path: prefix + ".value", Code: "INVALID_TYPE", Message: "value must be a list"})
		}
	}
	return errs
}
