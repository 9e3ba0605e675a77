package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/rentalportal/internal/config"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[kv.Key] = kv.Value.Emit()
	}
	return m
}

// apiRouter mounts the middleware the way the transport router does, inside
// an /api sub-router.
func apiRouter(h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(TracingMiddleware)
		r.Get("/entities/{id}", h)
		r.Post("/sessions/{sid}/submit", h)
	})
	return r
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "portal", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	shutdown, err = InitTracing(context.Background(),
		config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "portal", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(context.Background(),
		config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "portal", "test")
	assert.ErrorContains(t, err, "unsupported exporter")
}

func TestEndSpanWithError(t *testing.T) {
	exp := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "lifecycle.Apply", AttrEntityID.String("e-1"))
	EndSpanWithError(span, errors.New("transition not allowed"))
	_, span = StartSpan(context.Background(), "lifecycle.Comment")
	EndSpanWithError(span, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "transition not allowed", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1, "the error is recorded as an exception event")
	assert.Equal(t, "e-1", spanAttrs(spans[0])[AttrEntityID])
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
}

func TestTraceAndSpanIDFromContext(t *testing.T) {
	setupTestTracer(t)
	assert.Empty(t, TraceIDFromContext(context.Background()))
	assert.Empty(t, SpanIDFromContext(context.Background()))

	ctx, span := StartSpan(context.Background(), "flow.Submit")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Equal(t, span.SpanContext().SpanID().String(), SpanIDFromContext(ctx))
}

func TestAnnotateSubject(t *testing.T) {
	exp := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "anonymous")
	AnnotateSubject(ctx, "")
	span.End()
	ctx, span = StartSpan(context.Background(), "tenant")
	AnnotateSubject(ctx, "tenant-7")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.NotContains(t, spanAttrs(spans[0]), AttrSubjectID)
	assert.Equal(t, "tenant-7", spanAttrs(spans[1])[AttrSubjectID])
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exp := setupTestTracer(t)
	h := apiRouter(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entities/3f2a-91", nil))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "GET /api/entities/{id}", s.Name, "entity IDs must not leak into span names")
	assert.Equal(t, trace.SpanKindServer, s.SpanKind)
	attrs := spanAttrs(s)
	assert.Equal(t, "/api/entities/{id}", attrs["http.route"])
	assert.Equal(t, "/api/entities/3f2a-91", attrs["url.path"])
	assert.Equal(t, "204", attrs["http.response.status_code"])
	assert.Equal(t, codes.Unset, s.Status.Code)
	assert.NotEmpty(t, rec.Header().Get("Traceparent"))
}

func TestTracingMiddleware_statusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		write  bool
		want   string
		failed bool
	}{
		{name: "implicit 200", write: true, want: "200"},
		{name: "conflict is not a server fault", status: http.StatusConflict, want: "409"},
		{name: "bad gateway", status: http.StatusBadGateway, want: "502", failed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := setupTestTracer(t)
			h := apiRouter(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				if tt.write {
					_, _ = w.Write([]byte(`{}`))
				}
			})
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/submit", nil))

			spans := exp.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.want, spanAttrs(spans[0])["http.response.status_code"])
			if tt.failed {
				assert.Equal(t, codes.Error, spans[0].Status.Code)
			} else {
				assert.Equal(t, codes.Unset, spans[0].Status.Code)
			}
		})
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exp := setupTestTracer(t)
	var inner string
	h := apiRouter(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := StartSpan(r.Context(), "flow.Submit")
		inner = TraceIDFromContext(ctx)
		span.End()
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/submit", nil)
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", inner)
	server := spans[1]
	assert.Equal(t, "00f067aa0ba902b7", server.Parent.SpanID().String())
	assert.Equal(t, server.SpanContext.SpanID(), spans[0].Parent.SpanID(), "handler spans nest under the server span")
}

func TestNewSampler(t *testing.T) {
	// Ratio sampling compares the low half of the trace ID; all ones is never
	// below a fractional bound.
	unlucky := trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff}
	sampledParent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    unlucky,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	tests := []struct {
		name   string
		rate   float64
		parent context.Context
		want   sdktrace.SamplingDecision
	}{
		{name: "full rate samples roots", rate: 1, parent: context.Background(), want: sdktrace.RecordAndSample},
		{name: "rate above one clamps", rate: 5, parent: context.Background(), want: sdktrace.RecordAndSample},
		{name: "default rate drops unlucky root", rate: 0, parent: context.Background(), want: sdktrace.Drop},
		{name: "sampled parent wins over rate", rate: 0.01, parent: sampledParent, want: sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newSampler(config.TracingConfig{SamplingRate: tt.rate}).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: tt.parent,
				TraceID:       unlucky,
				Name:          "POST /api/sessions/{sid}/submit",
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}
