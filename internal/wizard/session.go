// Package wizard implements the validation-gated step controller used by
// every multi-field submission flow.
package wizard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/rentalportal/internal/validate"
	"github.com/pitabwire/rentalportal/model"
)

// Step is one page of a flow.
type Step struct {
	Name  string
	Title string
	Guard validate.Guard
	// IsApplicable decides from the current values whether the step is
	// shown. Nil means always.
	IsApplicable func(values map[string]any) bool
}

func (s Step) applies(values map[string]any) bool {
	return s.IsApplicable == nil || s.IsApplicable(values)
}

// Session is the single-owner progress record of one flow run. Its methods
// are safe for concurrent use; at most one Submit runs at a time and every
// mutation is refused while it does.
type Session struct {
	mu          sync.Mutex
	steps       []Step
	consentKeys []string
	current     int
	maxReached  int
	values      map[string]any
	consents    map[string]bool
	errors      validate.Errors
	submitted   bool

	submitting atomic.Bool
}

// New starts a session on the first applicable step.
func New(steps []Step, consentKeys ...string) (*Session, error) {
	if len(steps) == 0 {
		return nil, model.NewBadRequestError("a flow needs at least one step")
	}
	s := &Session{
		steps:       append([]Step(nil), steps...),
		consentKeys: append([]string(nil), consentKeys...),
		values:      make(map[string]any),
		consents:    make(map[string]bool, len(consentKeys)),
		errors:      validate.Errors{},
	}
	for _, k := range consentKeys {
		s.consents[k] = false
	}
	first := s.nextApplicable(-1)
	if first < 0 {
		return nil, model.NewBadRequestError("no step of the flow applies")
	}
	s.current = first
	s.maxReached = first
	return s, nil
}

// SetField stores a field value. A nil value clears the field. Any error
// previously reported for the field is dropped.
func (s *Session) SetField(name string, value any) error {
	return s.SetFields(map[string]any{name: value})
}

// SetFields stores several field values at once.
func (s *Session) SetFields(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	for name, v := range values {
		if v == nil {
			delete(s.values, name)
		} else {
			s.values[name] = v
		}
		delete(s.errors, name)
	}
	s.realign()
	return nil
}

// realign moves off a current step that the new values made inapplicable,
// back to the nearest earlier applicable step. Callers hold mu.
func (s *Session) realign() {
	if s.steps[s.current].applies(s.values) {
		return
	}
	to := s.prevApplicable(s.current)
	if to < 0 {
		to = s.nextApplicable(-1)
	}
	if to < 0 {
		return
	}
	s.current = to
	s.errors = validate.Errors{}
}

// SetConsent ticks or unticks a declared consent checkbox.
func (s *Session) SetConsent(key string, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	if _, declared := s.consents[key]; !declared {
		return model.NewBadRequestError("unknown consent " + key)
	}
	s.consents[key] = granted
	return nil
}

// Advance validates the current step and, if it passes, moves to the next
// applicable step. On failure the session stays on the current step and
// the failures are kept for display.
func (s *Session) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}

	errs := s.steps[s.current].Guard.Check(s.values)
	if !errs.Empty() {
		s.errors = errs
		return errs.Err()
	}
	s.errors = validate.Errors{}

	next := s.nextApplicable(s.current)
	if next < 0 {
		return model.NewBadRequestError("already on the last step")
	}
	s.current = next
	if next > s.maxReached {
		s.maxReached = next
	}
	return nil
}

// Retreat moves back to the previous applicable step. Entered values are
// kept.
func (s *Session) Retreat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	prev := s.prevApplicable(s.current)
	if prev < 0 {
		return model.NewBadRequestError("already on the first step")
	}
	s.current = prev
	s.errors = validate.Errors{}
	return nil
}

// SubmitFunc consumes the final payload, typically by creating an entity.
type SubmitFunc func(ctx context.Context, p Payload) error

// Submit validates the whole flow, checks every consent and hands an
// immutable payload to fn. On success the session is frozen. If fn fails
// the session stays editable with every value intact so the user can retry.
// A Submit arriving while another is pending fails with CONCURRENT_SUBMIT.
func (s *Session) Submit(ctx context.Context, fn SubmitFunc) (Payload, error) {
	if !s.submitting.CompareAndSwap(false, true) {
		return Payload{}, model.NewConcurrentSubmitError("a submission is already in progress")
	}
	defer s.submitting.Store(false)

	payload, err := s.prepareSubmit()
	if err != nil {
		return Payload{}, err
	}

	if fn != nil {
		if err := fn(ctx, payload); err != nil {
			return Payload{}, err
		}
	}

	s.mu.Lock()
	s.submitted = true
	s.mu.Unlock()
	return payload, nil
}

func (s *Session) prepareSubmit() (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitted {
		return Payload{}, model.NewFrozenSessionError()
	}
	if s.nextApplicable(s.current) >= 0 {
		return Payload{}, model.NewBadRequestError("the flow has further steps to complete")
	}

	// Earlier steps passed when they were left, but values may have been
	// edited since.
	errs := validate.Errors{}
	for i, step := range s.steps {
		if i > s.current || !step.applies(s.values) {
			continue
		}
		for field, reason := range step.Guard.Check(s.values) {
			errs[field] = reason
		}
	}
	if !errs.Empty() {
		s.errors = errs
		return Payload{}, errs.Err()
	}

	var missing []string
	for _, k := range s.consentKeys {
		if !s.consents[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Payload{}, model.NewConsentRequiredError(missing)
	}

	s.errors = validate.Errors{}
	return newPayload(s.values, s.consents), nil
}

// mutable refuses changes to a frozen or submitting session. Callers hold mu.
func (s *Session) mutable() error {
	if s.submitted {
		return model.NewFrozenSessionError()
	}
	if s.submitting.Load() {
		return model.NewConcurrentSubmitError("a submission is in progress")
	}
	return nil
}

func (s *Session) nextApplicable(from int) int {
	for i := from + 1; i < len(s.steps); i++ {
		if s.steps[i].applies(s.values) {
			return i
		}
	}
	return -1
}

func (s *Session) prevApplicable(from int) int {
	for i := from - 1; i >= 0; i-- {
		if s.steps[i].applies(s.values) {
			return i
		}
	}
	return -1
}

// Current returns the index of the step being shown.
func (s *Session) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MaxReached returns the furthest step index reached so far.
func (s *Session) MaxReached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxReached
}

// Submitted reports whether the session is frozen after a successful submit.
func (s *Session) Submitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Errors returns a copy of the failures from the last Advance or Submit.
func (s *Session) Errors() validate.Errors {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(validate.Errors, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}

// Value returns a single field value.
func (s *Session) Value(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// StepView describes one step for rendering a progress indicator.
type StepView struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	Applicable bool   `json:"applicable"`
}

// View is a read-only snapshot of a session.
type View struct {
	Steps       []StepView         `json:"steps"`
	Current     int                `json:"current_index"`
	CurrentStep string             `json:"current_step"`
	MaxReached  int                `json:"max_reached_index"`
	Values      map[string]any     `json:"values"`
	Consents    map[string]bool    `json:"consents"`
	Errors      []model.FieldError `json:"errors"`
	Submitted   bool               `json:"submitted"`
	Submitting  bool               `json:"submitting"`
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := make([]StepView, len(s.steps))
	for i, st := range s.steps {
		steps[i] = StepView{Index: i, Name: st.Name, Title: st.Title, Applicable: st.applies(s.values)}
	}
	values := make(map[string]any, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	consents := make(map[string]bool, len(s.consents))
	for k, v := range s.consents {
		consents[k] = v
	}
	return View{
		Steps:       steps,
		Current:     s.current,
		CurrentStep: s.steps[s.current].Name,
		MaxReached:  s.maxReached,
		Values:      values,
		Consents:    consents,
		Errors:      s.errors.FieldErrors(),
		Submitted:   s.submitted,
		Submitting:  s.submitting.Load(),
	}
}

