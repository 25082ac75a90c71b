/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       QR landing page and kiosk web UI

ROUTE GROUPS:
  /api/trainers/*   Trainers, their clients and packages
  /api/packages/*   Package deletion
  /api/clients/*    Client profile, balance, ledger, pre-flight status
  /api/checkins     Check-in (rate limited per client IP)
  /api/admin/*      Reconciliation
  /api/scenarios/*  Demo scenarios
  /healthz          Store health
  /metrics          Prometheus scrape

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Check-in rate limit
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures the surroundings of the handler.
type RouterOptions struct {
	AllowedOrigins []string
	// CheckInLimiter throttles POST /api/checkins. Nil disables it.
	CheckInLimiter *RateLimiter
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/trainers", func(r chi.Router) {
			r.Post("/", h.CreateTrainer)
			r.Get("/{id}", h.GetTrainer)
			r.Get("/{id}/clients", h.ListClients)
			r.Post("/{id}/clients", h.CreateClient)
			r.Get("/{id}/packages", h.ListPackages)
			r.Post("/{id}/packages", h.CreatePackage)
		})

		r.Route("/packages", func(r chi.Router) {
			r.Delete("/{id}", h.DeletePackage)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Get("/{id}", h.GetClient)
			r.Delete("/{id}", h.DeleteClient)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/purchases", h.ListPurchases)
			r.Post("/{id}/purchases", h.CreatePurchase)
			r.Get("/{id}/sessions", h.ListSessions)
			r.Get("/{id}/checkin-status", h.CheckInStatus)
		})

		r.Group(func(r chi.Router) {
			if opts.CheckInLimiter != nil {
				r.Use(opts.CheckInLimiter.Middleware)
			}
			r.Post("/checkins", h.CheckIn)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// RequestLogger logs method, path, status, bytes, duration and request id.
func RequestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			event := logger.Info()
			switch {
			case status >= 500:
				event = logger.Error()
			case status >= 400:
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("http_request")
		})
	}
}
