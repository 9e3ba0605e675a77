package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/rentalportal/internal/definition"
	"github.com/pitabwire/rentalportal/internal/lifecycle"
	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/internal/otp"
	"github.com/pitabwire/rentalportal/model"
)

// codeBox captures dispatched codes.
type codeBox struct {
	mu   sync.Mutex
	last string
}

func (b *codeBox) Dispatch(_ context.Context, _, code string) error {
	b.mu.Lock()
	b.last = code
	b.mu.Unlock()
	return nil
}

func (b *codeBox) code() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// gatedOTP blocks the first SendOtp until release is closed.
type gatedOTP struct {
	otp.Service
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedOTP) SendOtp(ctx context.Context, phone string) (otp.Ticket, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Service.SendOtp(ctx, phone)
}

// failingCreator fails every Create with a transport error.
type failingCreator struct{}

func (failingCreator) Create(context.Context, model.EntityKind, map[string]any) (model.Entity, error) {
	return model.Entity{}, model.NewNetworkError("save entity", errors.New("connection refused"))
}

type fixture struct {
	manager *Manager
	store   *lifecycle.MemoryEntityStore
	box     *codeBox
	metrics *observability.Metrics
	otp     otp.Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	defs, err := definition.NewLoader().LoadBuiltin()
	require.NoError(t, err)
	registry := definition.NewRegistry(defs)

	machine, err := lifecycle.NewMachine(lifecycle.Tables(lifecycle.Options{}))
	require.NoError(t, err)
	store := lifecycle.NewMemoryEntityStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	entities := lifecycle.NewService(machine, store, nil, nil, metrics)

	box := &codeBox{}
	notifier := otp.NewNotifier(otp.NewMemoryStore(), box, otp.Options{})

	opts = append([]Option{WithMetrics(metrics)}, opts...)
	return &fixture{
		manager: NewManager(registry, entities, notifier, opts...),
		store:   store,
		box:     box,
		metrics: metrics,
		otp:     notifier,
	}
}

func asSubject(id string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: id})
}

func TestManager_Start_unknownFlow(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), "tenancy-transfer")
	assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
}

func TestManager_Flows(t *testing.T) {
	flows := newFixture(t).manager.Flows()
	require.Len(t, flows, 3)
	assert.Equal(t, "grievance", flows[0].ID)
	assert.Equal(t, model.KindGrievance, flows[0].EntityKind)
}

func TestManager_registrationWithOtp(t *testing.T) {
	f := newFixture(t)
	ctx := asSubject("citizen-1")
	m := f.manager

	v, err := m.Start(ctx, "registration")
	require.NoError(t, err)
	id := v.ID
	assert.Equal(t, "personal-info", v.CurrentStep)

	_, err = m.Advance(ctx, id)
	require.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)

	_, err = m.SetFields(ctx, id, map[string]any{"fullName": "Asha Rao"})
	require.NoError(t, err)
	_, err = m.Advance(ctx, id)
	require.NoError(t, err)
	_, err = m.SetFields(ctx, id, map[string]any{"district": "Mysuru", "pincode": "570001"})
	require.NoError(t, err)
	v, err = m.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "verification", v.CurrentStep)

	v, err = m.SetFields(ctx, id, map[string]any{"phone": "9876543210"})
	require.NoError(t, err)
	assert.Equal(t, "******3210", v.Values["phone"], "sensitive values are masked in views")

	_, err = m.VerifyOtp(ctx, id, "123456")
	require.True(t, model.IsCode(err, model.ErrBadRequest), "verify before send: %v", err)

	ticket, err := m.SendOtp(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)

	v, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, v.OTPPending)

	wrong := "000000"
	if f.box.code() == wrong {
		wrong = "111111"
	}
	_, err = m.VerifyOtp(ctx, id, wrong)
	require.True(t, model.IsCode(err, model.ErrValidationError), "wrong code: %v", err)

	v, err = m.VerifyOtp(ctx, id, f.box.code())
	require.NoError(t, err)
	assert.Equal(t, true, v.Values[OTPVerifiedField])
	assert.False(t, v.OTPPending)

	_, err = m.Submit(ctx, id)
	require.True(t, model.IsCode(err, model.ErrConsentRequired), "submit without consent: %v", err)

	_, err = m.SetConsents(ctx, id, map[string]bool{"terms": true})
	require.NoError(t, err)

	res, err := m.Submit(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, res.Entity, "registration creates no entity")
	assert.Equal(t, "Asha Rao", res.Payload.String("fullName"))
	assert.Equal(t, 0, f.store.Len())

	v, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, v.Submitted)

	_, err = m.SetFields(ctx, id, map[string]any{"fullName": "Other"})
	assert.True(t, model.IsCode(err, model.ErrFrozenSession), "edit after submit: %v", err)

	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSessions.WithLabelValues("registration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WizardSubmitsTotal.WithLabelValues("registration", observability.ResultOK)))
}

func TestManager_verificationFlagIsServerControlled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager

	v, err := m.Start(ctx, "registration")
	require.NoError(t, err)

	_, err = m.SetFields(ctx, v.ID, map[string]any{OTPVerifiedField: true})
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "error = %v", err)

	_, err = m.SetFields(ctx, v.ID, map[string]any{"phone": "9876543210"})
	require.NoError(t, err)
	_, err = m.SendOtp(ctx, v.ID)
	require.NoError(t, err)
	_, err = m.VerifyOtp(ctx, v.ID, f.box.code())
	require.NoError(t, err)

	v, err = m.SetFields(ctx, v.ID, map[string]any{"phone": "9123456789"})
	require.NoError(t, err)
	_, verified := v.Values[OTPVerifiedField]
	assert.False(t, verified, "changing the phone must clear verification")
}

func TestManager_verifyAfterPhoneChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager

	v, _ := m.Start(ctx, "registration")
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"phone": "9876543210"})
	_, err := m.SendOtp(ctx, v.ID)
	require.NoError(t, err)
	code := f.box.code()

	_, _ = m.SetFields(ctx, v.ID, map[string]any{"phone": "9123456789"})
	_, err = m.VerifyOtp(ctx, v.ID, code)
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "error = %v", err)
}

func TestManager_SendOtp_requiresPhone(t *testing.T) {
	f := newFixture(t)
	v, _ := f.manager.Start(context.Background(), "registration")
	_, err := f.manager.SendOtp(context.Background(), v.ID)
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
}

func fillRentalApplication(t *testing.T, m *Manager, ctx context.Context, id, employment string) {
	t.Helper()
	steps := []map[string]any{
		{"fullName": "Ravi Kumar", "phone": "9876543210", "aadhaar": "123412341234"},
		{"employmentType": employment},
	}
	if employment != "student" && employment != "retired" {
		steps = append(steps, map[string]any{"employerName": "Infosys", "monthlyIncome": 85000})
	}
	for _, values := range steps {
		_, err := m.SetFields(ctx, id, values)
		require.NoError(t, err)
		_, err = m.Advance(ctx, id)
		require.NoError(t, err)
	}
	_, err := m.SetFields(ctx, id, map[string]any{"moveInDate": "2026-11-01", "occupants": 3})
	require.NoError(t, err)
	_, err = m.SetConsents(ctx, id, map[string]bool{"declaration": true, "background_check": true})
	require.NoError(t, err)
}

func TestManager_rentalApplicationCreatesEntity(t *testing.T) {
	f := newFixture(t)
	ctx := asSubject("tenant-7")
	m := f.manager

	v, err := m.Start(ctx, "rental-application")
	require.NoError(t, err)
	fillRentalApplication(t, m, ctx, v.ID, "salaried")

	res, err := m.Submit(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.Equal(t, model.KindApplication, res.Entity.Kind)
	assert.Equal(t, model.ApplicationSubmitted, res.Entity.State)

	stored, err := f.store.Get(ctx, res.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "********1234", stored.Attributes["aadhaar"])
	assert.Equal(t, "Ravi Kumar", stored.Attributes["fullName"])
	assert.Equal(t, "rental-application", stored.Attributes["flow_id"])
	consents, ok := stored.Attributes["consents"].(map[string]bool)
	require.True(t, ok, "consents = %T", stored.Attributes["consents"])
	assert.True(t, consents["background_check"])

	_, err = m.Submit(ctx, v.ID)
	assert.True(t, model.IsCode(err, model.ErrFrozenSession), "second submit: %v", err)
	assert.Equal(t, 1, f.store.Len(), "a second submit must not create another entity")
}

func TestManager_Submit_spans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t)
	ctx := asSubject("tenant-7")
	m := f.manager
	v, err := m.Start(ctx, "rental-application")
	require.NoError(t, err)
	fillRentalApplication(t, m, ctx, v.ID, "salaried")

	res, err := m.Submit(ctx, v.ID)
	require.NoError(t, err)
	_, err = m.Submit(ctx, v.ID)
	require.Error(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 3)
	create, submit, frozen := spans[0], spans[1], spans[2]

	assert.Equal(t, "lifecycle.Create", create.Name)
	assert.Equal(t, "flow.Submit", submit.Name)
	assert.Equal(t, submit.SpanContext.SpanID(), create.Parent.SpanID(), "entity creation nests under the submit")
	assert.Equal(t, submit.SpanContext.TraceID(), create.SpanContext.TraceID())

	attrs := map[string]string{}
	for _, kv := range submit.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "rental-application", attrs[string(observability.AttrFlowID)])
	assert.Equal(t, v.ID, attrs[string(observability.AttrSessionID)])
	assert.Equal(t, codes.Unset, submit.Status.Code)
	assert.NotEmpty(t, res.Entity.ID)

	assert.Equal(t, "flow.Submit", frozen.Name)
	assert.Equal(t, codes.Error, frozen.Status.Code)
	assert.False(t, frozen.Parent.IsValid(), "each submit is its own root outside a request")
}

func TestManager_rejectedAdvanceLogsRedactedValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	m := f.manager

	v, _ := m.Start(ctx, "rental-application")
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"phone": "9876543210", "aadhaar": "123412341234"})
	_, err := m.Advance(ctx, v.ID)
	require.True(t, model.IsCode(err, model.ErrValidationError))

	entries := logs.FilterMessage("wizard advance rejected").All()
	require.Len(t, entries, 1)
	values, ok := entries[0].ContextMap()["values"].(map[string]any)
	require.True(t, ok, "values = %T", entries[0].ContextMap()["values"])
	assert.Equal(t, "[REDACTED]", values["aadhaar"])
	assert.Equal(t, "9876543210", values["phone"])
}

func TestManager_studentSkipsEmployer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager

	v, _ := m.Start(ctx, "rental-application")
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"fullName": "Meera", "phone": "9876543210", "aadhaar": "999988887777"})
	_, err := m.Advance(ctx, v.ID)
	require.NoError(t, err)
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"employmentType": "student"})

	v, err = m.Advance(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "preferences", v.CurrentStep)

	v, err = m.Retreat(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "employment", v.CurrentStep)
}

func TestManager_Submit_failureKeepsSession(t *testing.T) {
	defs, err := definition.NewLoader().LoadBuiltin()
	require.NoError(t, err)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	box := &codeBox{}
	m := NewManager(definition.NewRegistry(defs), failingCreator{},
		otp.NewNotifier(otp.NewMemoryStore(), box, otp.Options{}), WithMetrics(metrics))
	ctx := context.Background()

	v, _ := m.Start(ctx, "rental-application")
	fillRentalApplication(t, m, ctx, v.ID, "retired")

	_, err = m.Submit(ctx, v.ID)
	require.True(t, model.IsCode(err, model.ErrNetworkError), "error = %v", err)

	v, err = m.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, v.Submitted)
	assert.Equal(t, "retired", v.Values["employmentType"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WizardSubmitsTotal.WithLabelValues("rental-application", observability.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveSessions.WithLabelValues("rental-application")))
}

func TestManager_grievanceDescriptionTooShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.manager.Start(ctx, "grievance")
	_, _ = f.manager.SetFields(ctx, v.ID, map[string]any{"category": "maintenance", "description": "Leaking roof"})

	_, err := f.manager.Advance(ctx, v.ID)
	require.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)

	v, _ = f.manager.Get(ctx, v.ID)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, "description", v.Errors[0].Field)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WizardAdvancesTotal.WithLabelValues("grievance", observability.ResultRejected)))
}

func TestManager_sessionsAreOwned(t *testing.T) {
	f := newFixture(t)
	v, err := f.manager.Start(asSubject("alice"), "grievance")
	require.NoError(t, err)

	_, err = f.manager.Get(asSubject("bob"), v.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
	_, err = f.manager.Get(asSubject("alice"), v.ID)
	assert.NoError(t, err)
}

func TestManager_supersededSendIsStale(t *testing.T) {
	f := newFixture(t)
	gate := &gatedOTP{Service: f.otp, entered: make(chan struct{}), release: make(chan struct{})}
	f.manager.otp = gate
	ctx := context.Background()
	m := f.manager

	v, _ := m.Start(ctx, "registration")
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"phone": "9876543210"})

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.SendOtp(ctx, v.ID)
		firstErr <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never started")
	}

	second, err := m.SendOtp(ctx, v.ID)
	require.NoError(t, err)
	secondCode := f.box.code()

	close(gate.release)
	err = <-firstErr
	assert.True(t, model.IsCode(err, model.ErrStaleResponse), "first send error = %v", err)

	// The late first send issued a newer ticket at the provider, so the
	// second ticket is no longer the latest there.
	_, err = m.VerifyOtp(ctx, v.ID, secondCode)
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
	assert.NotEmpty(t, second.ID)
}

func TestManager_abandonDiscardsPendingSend(t *testing.T) {
	f := newFixture(t)
	gate := &gatedOTP{Service: f.otp, entered: make(chan struct{}), release: make(chan struct{})}
	f.manager.otp = gate
	ctx := context.Background()
	m := f.manager

	v, _ := m.Start(ctx, "registration")
	_, _ = m.SetFields(ctx, v.ID, map[string]any{"phone": "9876543210"})

	done := make(chan error, 1)
	go func() {
		_, err := m.SendOtp(ctx, v.ID)
		done <- err
	}()
	<-gate.entered

	require.NoError(t, m.Abandon(ctx, v.ID))
	close(gate.release)

	err := <-done
	assert.True(t, model.IsCode(err, model.ErrStaleResponse), "error = %v", err)
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(ctx, v.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestManager_Sweep(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithClock(clock.Now), WithIdleTimeout(10*time.Minute))
	ctx := context.Background()
	m := f.manager

	idle, _ := m.Start(ctx, "grievance")
	busy, _ := m.Start(ctx, "grievance")

	clock.Advance(8 * time.Minute)
	_, err := m.Get(ctx, busy.ID)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())

	_, err = m.Get(ctx, idle.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions.WithLabelValues("grievance")))
}

func TestManager_Run_stopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********1234", mask("123412341234"))
	assert.Equal(t, "12", mask("12"))
	assert.False(t, strings.Contains(mask("9876543210"), "98765"))
}
