package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/rentalportal/internal/config"
	"github.com/pitabwire/rentalportal/internal/flow"
	"github.com/pitabwire/rentalportal/internal/lifecycle"
	"github.com/pitabwire/rentalportal/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks

	Entities *lifecycle.Service
	Flows    *flow.Manager
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// actor and logging layers.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.HandlerFor(gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(ActorContext)
		r.Use(ContextLogger(logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(RequestLogging)
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/status-palette", handleStatusPalette)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", handleListEntities(deps.Entities))
			r.Post("/{kind}", handleCreateEntity(deps.Entities))
			r.Get("/{id}", handleGetEntity(deps.Entities))
			r.Get("/{id}/actions", handleEntityActions(deps.Entities))
			r.Post("/{id}/transitions", handleTransition(deps.Entities))
			r.Post("/{id}/comments", handleComment(deps.Entities))
		})

		r.Get("/flows", handleListFlows(deps.Flows))
		r.Post("/flows/{flowId}/sessions", handleStartSession(deps.Flows))

		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Get("/", handleGetSession(deps.Flows))
			r.Delete("/", handleAbandon(deps.Flows))
			r.Put("/fields", handleSetFields(deps.Flows))
			r.Put("/consents", handleSetConsents(deps.Flows))
			r.Post("/advance", handleAdvance(deps.Flows))
			r.Post("/retreat", handleRetreat(deps.Flows))
			r.Post("/otp/send", handleSendOtp(deps.Flows))
			r.Post("/otp/verify", handleVerifyOtp(deps.Flows))
			r.Post("/submit", handleSubmit(deps.Flows))
		})
	})

	return r
}
