package api

import (
	"net/http"

	"github.com/cuemby/lookout/pkg/activity"
	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/gateway"
	"github.com/cuemby/lookout/pkg/ingest"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators the HTTP API is built from
type Deps struct {
	Gateway  *gateway.Gateway
	Ingest   *ingest.Service
	Store    storage.Store
	Authz    auth.Authorizer
	Identity auth.Identity
	Health   *metrics.HealthChecker
	Activity *activity.Broker

	// RateLimit guards handshakes and ingestion; nil disables it
	RateLimit *RateLimiter
}

// NewRouter builds the HTTP handler for the real-time endpoints, the REST
// API, health probes and metrics
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	s := &server{
		gateway:  d.Gateway,
		hub:      d.Gateway.Hub(),
		ingest:   d.Ingest,
		store:    d.Store,
		authz:    d.Authz,
		identity: d.Identity,
		activity: d.Activity,
	}

	r.With(d.RateLimit.Middleware).Get("/ws", d.Gateway.ServeWS)
	r.With(d.RateLimit.Middleware).Get("/stream", d.Gateway.ServeSSE)

	if d.Health != nil {
		r.Get("/health", d.Health.HealthHandler())
		r.Get("/ready", d.Health.ReadyHandler())
		r.Get("/live", d.Health.LivenessHandler())
	}
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Route("/applications", func(r chi.Router) {
			r.Post("/", s.handleCreateApplication)
			r.Get("/", s.handleListApplications)

			r.Route("/{appID}", func(r chi.Router) {
				r.Use(s.requireView)
				r.Get("/", s.handleGetApplication)
				r.Post("/users", s.handleGrantAccess)
				r.With(d.RateLimit.Middleware).Post("/events", s.handleIngest)
				r.Get("/events", s.handleListEvents)
				r.Get("/subscribers", s.handleListSubscribers)
			})
		})

		r.Put("/connections/{connID}/filter", s.handleSetFilter)
		if d.Activity != nil {
			r.Get("/activity", s.handleActivity)
		}
	})

	return r
}
