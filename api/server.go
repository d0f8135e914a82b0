/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, echoed in logs
  2. RealIP:        Client address behind the proxy
  3. RequestLogger: One logrus line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. Metrics:       Latency histogram by route pattern
  6. CORS:          The intake form is served from another origin

ROUTE GROUPS:
  /api/*             Intake form endpoints (public)
  /api/validador/*   Reviewer endpoints (bearer token)
  /api/validador/escenarios/*  Demo loaders (non-production only)
  /metrics           Prometheus
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Reviewer token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/config"
	"github.com/warp/incapacidades/metrics"
)

// RouterOptions carries what NewRouter needs besides the handler.
type RouterOptions struct {
	Auth *Authenticator
	CORS config.CORSConfig
	Log  logrus.FieldLogger
	Demo bool // registers the scenario loader routes
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.Log != nil {
		r.Use(RequestLogger(opts.Log))
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         opts.CORS.MaxAge,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Intake form
		r.Route("/casos", func(r chi.Router) {
			r.Post("/", h.SubmitCase)
			r.Get("/{serial}", h.GetCase)
			r.Post("/{serial}/reenviar", h.ResubmitCase)
		})
		r.Post("/reenvios", h.Resubmit)
		r.Get("/bloqueo/{cedula}", h.CheckBlock)
		r.Get("/empleados/{cedula}", h.GetEmployee)
		r.Get("/requisitos", h.GetRequirements)

		// Reviewer portal
		r.Route("/validador", func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(opts.Auth.Middleware)
			}
			r.Get("/casos", h.ListCases)
			r.Post("/casos/{serial}/estado", h.ChangeState)
			r.Post("/casos/{serial}/bloqueo", h.ToggleBlock)
			r.Get("/casos/{serial}/historial", h.CaseHistory)
			r.Get("/casos/{serial}/linaje", h.Lineage)
			r.Get("/casos/{serial}/notas", h.ListNotes)
			r.Post("/casos/{serial}/notas", h.AddNote)
			r.Get("/exportar/casos", h.ExportCases)
			r.Get("/stats", h.Stats)
			r.Get("/empleados", h.ListEmployees)
			r.Put("/empleados", h.SaveEmployee)

			if opts.Demo {
				r.Get("/escenarios", h.ListScenarios)
				r.Post("/escenarios/cargar", h.LoadScenario)
			}
		})
	})

	return r
}
