package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Result label values.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds all Prometheus metric instruments for the portal.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Lifecycle metrics
	TransitionsTotal *prometheus.CounterVec
	CommentsTotal    *prometheus.CounterVec
	EntitiesCreated  *prometheus.CounterVec

	// Wizard metrics
	WizardAdvancesTotal *prometheus.CounterVec
	WizardSubmitsTotal  *prometheus.CounterVec
	ActiveSessions      *prometheus.GaugeVec

	// OTP metrics
	OTPSendsTotal         *prometheus.CounterVec
	OTPVerificationsTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	FlowsLoaded           prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portal_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Lifecycle
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_transitions_total",
			Help: "Total number of entity transition attempts.",
		}, []string{"kind", "trigger", "result"}),
		CommentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_comments_total",
			Help: "Total number of comments appended to entity timelines.",
		}, []string{"kind"}),
		EntitiesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_entities_created_total",
			Help: "Total number of entities created.",
		}, []string{"kind"}),

		// Wizard
		WizardAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_wizard_advances_total",
			Help: "Total number of wizard advance attempts.",
		}, []string{"flow", "result"}),
		WizardSubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_wizard_submits_total",
			Help: "Total number of wizard submit attempts.",
		}, []string{"flow", "result"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portal_active_sessions",
			Help: "Number of live wizard sessions.",
		}, []string{"flow"}),

		// OTP
		OTPSendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_otp_sends_total",
			Help: "Total number of OTP send attempts.",
		}, []string{"result"}),
		OTPVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_otp_verifications_total",
			Help: "Total number of OTP verification attempts.",
		}, []string{"result"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_definition_reload_total",
			Help: "Total flow definition reloads.",
		}, []string{"status"}),
		FlowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portal_flows_loaded",
			Help: "Number of loaded flow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		// Lifecycle
		m.TransitionsTotal,
		m.CommentsTotal,
		m.EntitiesCreated,
		// Wizard
		m.WizardAdvancesTotal,
		m.WizardSubmitsTotal,
		m.ActiveSessions,
		// OTP
		m.OTPSendsTotal,
		m.OTPVerificationsTotal,
		// System
		m.DefinitionReloadTotal,
		m.FlowsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records an entity transition attempt.
func (m *Metrics) RecordTransition(kind, trigger, result string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, trigger, result).Inc()
}

// RecordComment records a comment appended to an entity.
func (m *Metrics) RecordComment(kind string) {
	if m == nil {
		return
	}
	m.CommentsTotal.WithLabelValues(kind).Inc()
}

// RecordEntityCreated records a newly created entity.
func (m *Metrics) RecordEntityCreated(kind string) {
	if m == nil {
		return
	}
	m.EntitiesCreated.WithLabelValues(kind).Inc()
}

// RecordWizardAdvance records a wizard advance attempt.
func (m *Metrics) RecordWizardAdvance(flowID, result string) {
	if m == nil {
		return
	}
	m.WizardAdvancesTotal.WithLabelValues(flowID, result).Inc()
}

// RecordWizardSubmit records a wizard submit attempt.
func (m *Metrics) RecordWizardSubmit(flowID, result string) {
	if m == nil {
		return
	}
	m.WizardSubmitsTotal.WithLabelValues(flowID, result).Inc()
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted(flowID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(flowID).Inc()
}

// SessionEnded decrements the live session gauge.
func (m *Metrics) SessionEnded(flowID string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(flowID).Dec()
}

// RecordOTPSend records an OTP dispatch attempt.
func (m *Metrics) RecordOTPSend(result string) {
	if m == nil {
		return
	}
	m.OTPSendsTotal.WithLabelValues(result).Inc()
}

// RecordOTPVerification records an OTP verification attempt.
func (m *Metrics) RecordOTPVerification(result string) {
	if m == nil {
		return
	}
	m.OTPVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetFlowsLoaded sets the number of loaded flow definitions.
func (m *Metrics) SetFlowsLoaded(count float64) {
	if m == nil {
		return
	}
	m.FlowsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to keep label cardinality
// bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), sw.bytes)
	})
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context, with
// the wildcards of mounted sub-routers collapsed. Falls back to the raw URL
// path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
