package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Owner-scoped surface behind the auth provider.
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Post("/droplets", a.handleCreateDroplet)
			r.Get("/droplets", a.handleListDroplets)
			r.Get("/droplets/{token}", a.handleGetDroplet)
			r.Delete("/droplets/{token}", a.handleDeleteDroplet)
			r.Post("/droplets/{token}/extend", a.handleExtendDroplet)
			r.Get("/droplets/{token}/metrics", a.handleDropletMetrics)
			r.Get("/jobs/{token}/logs/stream", a.handleStreamLogs)
			r.Post("/reaper/run", a.handleReaperRun)
		})

		// Called by the droplet itself at boot; it holds no credential, so
		// these stay unauthenticated but rate limited.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.IngestRateLimit, time.Minute))
			r.Post("/jobs/{token}/logs", a.handleIngestLog)
			r.Get("/jobs/resolve", a.handleResolveJob)
			r.Get("/jobs/{token}/config", a.handleJobConfig)
			r.Get("/jobs/{token}/script", a.handleJobScript)
		})
	})

	return r, nil
}
