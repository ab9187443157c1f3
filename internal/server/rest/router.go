package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	// JWT enables bearer-token authentication on /api/v1 when
	// JWT.PublicKey is set.
	JWT JWTConfig

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
}

// NewRouter returns a configured chi.Router for the control API.
//
// Route layout:
//
//	GET    /healthz                   liveness probe (no authentication)
//	GET    /metrics                   Prometheus exposition (no authentication)
//	GET    /api/v1/state              run state and session health
//	POST   /api/v1/roots              add a watch root
//	DELETE /api/v1/roots?path=        remove a watch root
//	POST   /api/v1/start              start a monitoring session
//	POST   /api/v1/stop               stop the monitoring session
//	GET    /api/v1/events             audit trail, newest first
//	GET    /api/v1/events/{id}        one event with diff statistics
//	GET    /api/v1/events/{id}/diff   the raw diff
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", srv.handleHealthz)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWT.PublicKey != nil {
			r.Use(JWTMiddleware(cfg.JWT))
		}

		r.Get("/state", srv.handleGetState)
		r.Post("/roots", srv.handleAddRoot)
		r.Delete("/roots", srv.handleRemoveRoot)
		r.Post("/start", srv.handleStart)
		r.Post("/stop", srv.handleStop)
		r.Get("/events", srv.handleListEvents)
		r.Get("/events/{id}", srv.handleGetEvent)
		r.Get("/events/{id}/diff", srv.handleGetDiff)
	})

	return r
}
