package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/telhawk-systems/telhawk-syslog/common/middleware"
)

// NewRouter returns the read API.
//
//	GET /healthz                 liveness
//	GET /livez                   liveness
//	GET /readyz                  store reachability
//	GET /metrics                 prometheus exposition
//	GET /api/v1/events           recent events, newest first
//	GET /api/v1/sources/stats    per-source counters
//	GET /api/v1/buffer           retention settings and usage
//	GET /api/v1/targets          forward target status
//	GET /api/v1/metrics/summary  current window and lifetime totals
func NewRouter(h *Handlers, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
		}).Handler)
	}

	r.Get("/healthz", h.Health)
	r.Get("/livez", h.Health)
	r.Get("/readyz", h.Ready)
	if h.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", h.Events)
		r.Get("/sources/stats", h.SourceStats)
		r.Get("/buffer", h.Buffer)
		r.Get("/targets", h.Targets)
		r.Get("/metrics/summary", h.MetricsSummary)
	})

	return r
}
