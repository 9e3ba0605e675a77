// Package flow runs live wizard sessions for the flows in the definition
// registry and turns completed submissions into lifecycle entities.
package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/rentalportal/internal/async"
	"github.com/pitabwire/rentalportal/internal/definition"
	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/internal/otp"
	"github.com/pitabwire/rentalportal/internal/wizard"
	"github.com/pitabwire/rentalportal/model"
)

// Field names the manager itself controls.
const (
	PhoneField       = "phone"
	OTPVerifiedField = "otp_verified"
)

// DefaultIdleTimeout is how long an untouched session survives.
const DefaultIdleTimeout = 30 * time.Minute

// EntityCreator persists the entity a submitted flow produces.
type EntityCreator interface {
	Create(ctx context.Context, kind model.EntityKind, attributes map[string]any) (model.Entity, error)
}

// Manager owns the live sessions. It is safe for concurrent use.
type Manager struct {
	registry *definition.Registry
	entities EntityCreator
	otp      otp.Service
	tracker  *async.Tracker
	logger   *zap.Logger
	metrics  *observability.Metrics
	idle     time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout sets how long an untouched session is kept.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager.
func NewManager(registry *definition.Registry, entities EntityCreator, otpSvc otp.Service, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		entities: entities,
		otp:      otpSvc,
		tracker:  async.NewTracker(),
		logger:   zap.NewNop(),
		idle:     DefaultIdleTimeout,
		now:      time.Now,
		sessions: make(map[string]*liveSession),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// liveSession pairs a wizard with the flow it runs and the OTP ticket
// outstanding for it.
type liveSession struct {
	id        string
	owner     string
	flow      model.FlowDefinition
	sensitive map[string]bool
	wizard    *wizard.Session
	createdAt time.Time
	touched   atomic.Int64
	ended     atomic.Bool

	mu        sync.Mutex
	ticket    string
	ticketFor string
}

func (s *liveSession) otpKey() string {
	return "otp:" + s.id
}

// SessionView is what clients see of a session.
type SessionView struct {
	ID         string           `json:"id"`
	FlowID     string           `json:"flow_id"`
	FlowTitle  string           `json:"flow_title"`
	EntityKind model.EntityKind `json:"entity_kind,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	OTPPending bool             `json:"otp_pending"`
	wizard.View
}

// FlowSummary lists a startable flow.
type FlowSummary struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	EntityKind model.EntityKind `json:"entity_kind,omitempty"`
	Steps      int              `json:"steps"`
}

// Flows returns every flow a session can be started for.
func (m *Manager) Flows() []FlowSummary {
	flows := m.registry.AllFlows()
	out := make([]FlowSummary, len(flows))
	for i, f := range flows {
		out[i] = FlowSummary{ID: f.ID, Title: f.Title, EntityKind: f.EntityKind, Steps: len(f.Steps)}
	}
	return out
}

// Start opens a session on flowID for the acting subject.
func (m *Manager) Start(ctx context.Context, flowID string) (SessionView, error) {
	def, ok := m.registry.GetFlow(flowID)
	if !ok {
		return SessionView{}, model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}
	steps, consents, err := wizard.Build(def)
	if err != nil {
		return SessionView{}, fmt.Errorf("build flow %q: %w", flowID, err)
	}
	w, err := wizard.New(steps, consents...)
	if err != nil {
		return SessionView{}, err
	}

	now := m.now()
	s := &liveSession{
		id:        uuid.NewString(),
		owner:     model.ActorFrom(ctx),
		flow:      def,
		sensitive: sensitiveFields(def),
		wizard:    w,
		createdAt: now.UTC(),
	}
	s.touched.Store(now.UnixNano())

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.metrics.SessionStarted(flowID)
	observability.RequestLogger(ctx, m.logger).Info("flow session started",
		zap.String("session_id", s.id),
		zap.String("flow_id", flowID),
	)
	return m.view(s), nil
}

// Get returns the session's current view.
func (m *Manager) Get(ctx context.Context, sessionID string) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return m.view(s), nil
}

// SetFields stores field values. The OTP verification flag cannot be set by
// clients, and changing the phone number clears it.
func (m *Manager) SetFields(ctx context.Context, sessionID string, values map[string]any) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if _, ok := values[OTPVerifiedField]; ok {
		return SessionView{}, model.NewBadRequestError(OTPVerifiedField + " is set by phone verification")
	}

	if v, ok := values[PhoneField]; ok {
		prev, _ := s.wizard.Value(PhoneField)
		if fmt.Sprint(prev) != fmt.Sprint(v) {
			values = cloneValues(values)
			values[OTPVerifiedField] = nil
		}
	}
	if err := s.wizard.SetFields(values); err != nil {
		return SessionView{}, err
	}
	return m.view(s), nil
}

// SetConsents ticks or unticks consent checkboxes.
func (m *Manager) SetConsents(ctx context.Context, sessionID string, consents map[string]bool) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	keys := make([]string, 0, len(consents))
	for k := range consents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.wizard.SetConsent(k, consents[k]); err != nil {
			return SessionView{}, err
		}
	}
	return m.view(s), nil
}

// Advance moves the session to its next applicable step.
func (m *Manager) Advance(ctx context.Context, sessionID string) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if err := s.wizard.Advance(); err != nil {
		m.metrics.RecordWizardAdvance(s.flow.ID, observability.ResultRejected)
		observability.RequestLogger(ctx, m.logger).Debug("wizard advance rejected",
			zap.String("session_id", s.id),
			zap.String("flow_id", s.flow.ID),
			zap.Any("values", observability.RedactBody(s.wizard.Snapshot().Values, s.sensitiveNames())),
			zap.Error(err),
		)
		return SessionView{}, err
	}
	m.metrics.RecordWizardAdvance(s.flow.ID, observability.ResultOK)
	return m.view(s), nil
}

// Retreat moves the session back one applicable step.
func (m *Manager) Retreat(ctx context.Context, sessionID string) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if err := s.wizard.Retreat(); err != nil {
		return SessionView{}, err
	}
	return m.view(s), nil
}

// SendOtp sends a code to the phone entered in the session. A send or
// verify still pending for the session is superseded and its result is
// discarded.
func (m *Manager) SendOtp(ctx context.Context, sessionID string) (otp.Ticket, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return otp.Ticket{}, err
	}
	if s.ended.Load() {
		return otp.Ticket{}, model.NewFrozenSessionError()
	}
	raw, _ := s.wizard.Value(PhoneField)
	phone, _ := raw.(string)
	if phone == "" {
		return otp.Ticket{}, model.NewValidationError([]model.FieldError{
			{Field: PhoneField, Code: "REQUIRED", Message: "Enter a mobile number first"},
		})
	}

	var ticket otp.Ticket
	err = async.Run(ctx, m.tracker, s.otpKey(),
		func(ctx context.Context) (otp.Ticket, error) { return m.otp.SendOtp(ctx, phone) },
		func(t otp.Ticket) error {
			s.mu.Lock()
			s.ticket, s.ticketFor = t.ID, phone
			s.mu.Unlock()
			ticket = t
			return nil
		},
	)
	if err != nil {
		return otp.Ticket{}, err
	}
	return ticket, nil
}

// VerifyOtp checks code against the session's outstanding ticket and, on
// success, marks the phone as verified.
func (m *Manager) VerifyOtp(ctx context.Context, sessionID, code string) (SessionView, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	s.mu.Lock()
	ticket, ticketFor := s.ticket, s.ticketFor
	s.mu.Unlock()
	if ticket == "" {
		return SessionView{}, model.NewBadRequestError("no verification code has been sent")
	}
	if current, _ := s.wizard.Value(PhoneField); fmt.Sprint(current) != ticketFor {
		return SessionView{}, model.NewBadRequestError("the mobile number changed; request a new code")
	}

	var verified bool
	err = async.Run(ctx, m.tracker, s.otpKey(),
		func(ctx context.Context) (bool, error) { return m.otp.VerifyOtp(ctx, ticket, code) },
		func(ok bool) error {
			verified = ok
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.ticket, s.ticketFor = "", ""
			s.mu.Unlock()
			return s.wizard.SetField(OTPVerifiedField, true)
		},
	)
	if err != nil {
		return SessionView{}, err
	}
	if !verified {
		return SessionView{}, model.NewValidationError([]model.FieldError{
			{Field: "otp", Code: "OTP_INVALID", Message: "The code is incorrect or has expired"},
		})
	}
	return m.view(s), nil
}

// SubmitResult is the outcome of a successful submit.
type SubmitResult struct {
	SessionID string         `json:"session_id"`
	FlowID    string         `json:"flow_id"`
	Payload   wizard.Payload `json:"payload"`
	Entity    *model.Entity  `json:"entity,omitempty"`
}

// Submit completes the session. Flows bound to an entity kind create the
// entity; the rest only return the payload. The session stays readable,
// frozen, until it expires.
func (m *Manager) Submit(ctx context.Context, sessionID string) (res SubmitResult, err error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}

	ctx, span := observability.StartSpan(ctx, "flow.Submit",
		observability.AttrFlowID.String(s.flow.ID),
		observability.AttrSessionID.String(s.id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var created *model.Entity
	payload, err := s.wizard.Submit(ctx, func(ctx context.Context, p wizard.Payload) error {
		if s.flow.EntityKind == "" {
			return nil
		}
		e, err := m.entities.Create(ctx, s.flow.EntityKind, m.attributes(s, p))
		if err != nil {
			return err
		}
		created = &e
		return nil
	})
	logger := observability.RequestLogger(ctx, m.logger)
	if err != nil {
		result := observability.ResultRejected
		if code := model.CodeOf(err); code == model.ErrNetworkError || code == model.ErrInternalError {
			result = observability.ResultError
		}
		m.metrics.RecordWizardSubmit(s.flow.ID, result)
		logger.Warn("flow submit failed",
			zap.String("session_id", s.id),
			zap.String("flow_id", s.flow.ID),
			zap.Error(err),
		)
		return SubmitResult{}, err
	}

	m.tracker.Abandon(s.otpKey())
	if s.ended.CompareAndSwap(false, true) {
		m.metrics.SessionEnded(s.flow.ID)
	}
	m.metrics.RecordWizardSubmit(s.flow.ID, observability.ResultOK)

	fields := []zap.Field{zap.String("session_id", s.id), zap.String("flow_id", s.flow.ID)}
	if created != nil {
		fields = append(fields, zap.String("entity_id", created.ID))
	}
	logger.Info("flow submitted", fields...)

	return SubmitResult{SessionID: s.id, FlowID: s.flow.ID, Payload: payload, Entity: created}, nil
}

// Abandon discards the session and any async work pending for it.
func (m *Manager) Abandon(ctx context.Context, sessionID string) error {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return err
	}
	m.remove(s)
	observability.RequestLogger(ctx, m.logger).Info("flow session abandoned",
		zap.String("session_id", s.id),
		zap.String("flow_id", s.flow.ID),
	)
	return nil
}

// Sweep removes sessions idle for longer than the idle timeout and returns
// how many it removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idle).UnixNano()

	m.mu.RLock()
	var stale []*liveSession
	for _, s := range m.sessions {
		if s.touched.Load() < cutoff {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.remove(s)
	}
	if len(stale) > 0 {
		m.logger.Info("expired idle flow sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.tracker.AbandonAll()
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Len returns the number of sessions held.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(s *liveSession) {
	m.mu.Lock()
	_, present := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !present {
		return
	}
	m.tracker.Abandon(s.otpKey())
	if s.ended.CompareAndSwap(false, true) {
		m.metrics.SessionEnded(s.flow.ID)
	}
}

// session looks up a session owned by the acting subject and marks it as
// used. Sessions of other subjects are reported as not found.
func (m *Manager) session(ctx context.Context, id string) (*liveSession, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.owner != model.ActorFrom(ctx) {
		return nil, model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	s.touched.Store(m.now().UnixNano())
	return s, nil
}

func (m *Manager) view(s *liveSession) SessionView {
	s.mu.Lock()
	pending := s.ticket != ""
	s.mu.Unlock()

	v := s.wizard.Snapshot()
	for name := range s.sensitive {
		if raw, ok := v.Values[name]; ok {
			v.Values[name] = mask(fmt.Sprint(raw))
		}
	}
	return SessionView{
		ID:         s.id,
		FlowID:     s.flow.ID,
		FlowTitle:  s.flow.Title,
		EntityKind: s.flow.EntityKind,
		CreatedAt:  s.createdAt,
		OTPPending: pending,
		View:       v,
	}
}

// attributes builds entity attributes from a payload. Sensitive values are
// stored masked and consents are recorded alongside the fields.
func (m *Manager) attributes(s *liveSession, p wizard.Payload) map[string]any {
	attrs := p.Fields()
	for name := range s.sensitive {
		if raw, ok := attrs[name]; ok {
			attrs[name] = mask(fmt.Sprint(raw))
		}
	}
	delete(attrs, OTPVerifiedField)
	if consents := p.Consents(); len(consents) > 0 {
		attrs["consents"] = consents
	}
	attrs["flow_id"] = s.flow.ID
	return attrs
}

func (s *liveSession) sensitiveNames() []string {
	names := make([]string, 0, len(s.sensitive))
	for name := range s.sensitive {
		names = append(names, name)
	}
	return names
}

func sensitiveFields(def model.FlowDefinition) map[string]bool {
	out := make(map[string]bool)
	for _, st := range def.Steps {
		for _, f := range st.Fields {
			if f.Sensitive {
				out[f.Field] = true
			}
		}
	}
	return out
}

// mask keeps the last four characters of s.
func mask(s string) string {
	if len(s) <= 4 {
		return s
	}
	b := make([]byte, len(s))
	for i := range b {
		if i < len(s)-4 {
			b[i] = '*'
		} else {
			b[i] = s[i]
		}
	}
	return string(b)
}

func cloneValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
