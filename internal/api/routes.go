package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mounter registers extra routes on the top-level router. The tracking
// handler satisfies it.
type Mounter interface {
	Mount(r chi.Router)
}

// RouteOptions carries the optional parts of the router.
type RouteOptions struct {
	AllowedOrigins []string
	Health         *HealthChecker
	Tracking       Mounter
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.HandleHealth)
		r.Get("/health/live", opts.Health.HandleLiveness)
		r.Get("/health/ready", opts.Health.HandleReadiness)
	}
	r.Handle("/metrics", promhttp.Handler())

	if opts.Tracking != nil {
		opts.Tracking.Mount(r)
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", h.HandleListCampaigns)
		r.Post("/", h.HandleCreateCampaign)
		r.Get("/stats", h.HandleGlobalStats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetCampaign)
			r.Patch("/", h.HandleUpdateCampaign)
			r.Delete("/", h.HandleDeleteCampaign)
			r.Post("/run", h.HandleRunCampaign)
			r.Post("/cancel", h.HandleCancelCampaign)
			r.Get("/stats", h.HandleCampaignStats)
			r.Get("/attempts", h.HandleListAttempts)
		})
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.HandleSchedulerStatus)
		r.Post("/retry-now", h.HandleRetryNow)
		r.Post("/check-scheduled", h.HandleCheckScheduled)
		r.Post("/refresh-cache", h.HandleRefreshCache)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found","code":"NOT_FOUND"}`))
	})

	return r
}
