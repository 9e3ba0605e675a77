package model

// DomainDefinition is the root structure of a definition file. Each file
// declares one domain's multi-step submission flows.
type DomainDefinition struct {
	Domain  string           `yaml:"domain"  json:"domain"`
	Version string           `yaml:"version" json:"version"`
	Flows   []FlowDefinition `yaml:"flows"   json:"flows,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// FlowDefinition describes a guarded multi-step form flow such as citizen
// registration or a rental application.
type FlowDefinition struct {
	ID    string `yaml:"id"    json:"id"`
	Title string `yaml:"title" json:"title"`
	// EntityKind, when set, is the kind of entity created on submit.
	EntityKind EntityKind          `yaml:"entity_kind" json:"entity_kind,omitempty"`
	Consents   []ConsentDefinition `yaml:"consents"    json:"consents,omitempty"`
	Steps      []StepDefinition    `yaml:"steps"       json:"steps"`
}

// ConsentDefinition is a checkbox that must be ticked before submit.
type ConsentDefinition struct {
	Key   string `yaml:"key"   json:"key"`
	Label string `yaml:"label" json:"label"`
}

// StepDefinition describes one page of a flow.
type StepDefinition struct {
	ID     string            `yaml:"id"     json:"id"`
	Name   string            `yaml:"name"   json:"name"`
	Fields []FieldDefinition `yaml:"fields" json:"fields"`
	// AppliesWhen conditions must all hold for the step to be shown.
	// An empty list means the step always applies.
	AppliesWhen []ConditionDefinition `yaml:"applies_when" json:"applies_when,omitempty"`
}

// FieldDefinition describes a single input on a step.
type FieldDefinition struct {
	Field     string           `yaml:"field"     json:"field"`
	Label     string           `yaml:"label"     json:"label"`
	Type      string           `yaml:"type"      json:"type"`
	Required  bool             `yaml:"required"  json:"required,omitempty"`
	Sensitive bool             `yaml:"sensitive" json:"sensitive,omitempty"`
	Rules     []RuleDefinition `yaml:"rules"     json:"rules,omitempty"`
}

// RuleDefinition describes one validation rule for a field.
type RuleDefinition struct {
	Type    string   `yaml:"type"    json:"type"`
	Value   int      `yaml:"value"   json:"value,omitempty"`
	Values  []string `yaml:"values"  json:"values,omitempty"`
	Min     *float64 `yaml:"min"     json:"min,omitempty"`
	Max     *float64 `yaml:"max"     json:"max,omitempty"`
	Message string   `yaml:"message" json:"message,omitempty"`
}

// ConditionDefinition describes a data-dependent applicability rule.
type ConditionDefinition struct {
	Field    string `yaml:"field"    json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value"    json:"value,omitempty"`
}
