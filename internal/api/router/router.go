package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matthew-callmother/estimator/internal/api"
	httpmiddleware "github.com/matthew-callmother/estimator/internal/http/middleware"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Sessions           *api.SessionHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.Sessions.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Get("/config", cfg.Sessions.GetConfig)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", cfg.Sessions.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", cfg.Sessions.GetSession)
			r.Post("/answers", cfg.Sessions.SetAnswers)
			r.Post("/advance", cfg.Sessions.Advance)
			r.Post("/back", cfg.Sessions.Back)
			r.Post("/submit", cfg.Sessions.Submit)
		})
	})

	return r
}
