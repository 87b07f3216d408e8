/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address from X-Forwarded-For / X-Real-IP
  3. Logger:       zap request logging
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for the frontend
  6. Rate limit:   Token bucket per client address
  7. Authenticate: Bearer token -> identity.Actor in context

ROUTE GROUPS:
  /api/healthz          Liveness + storage ping
  /api/users/*          Registration, login, profiles
  /api/trains/*         Catalog (reads public, writes admin)
  /api/bookings/*       Booking lifecycle (authenticated)
  /api/pnr/{pnr}        External reservation status
  /api/admin/*          Reconciliation, audit, ledger
  /api/scenarios/*      Demo data (admin)

AUTHORIZATION:
  Routes only require a token where no anonymous use makes sense. Ownership
  and admin checks happen in the services through the policy guard.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, auth, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	if opts.RateRPS <= 0 {
		opts.RateRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))
	r.Use(newClientLimiter(opts.RateRPS, opts.RateBurst).middleware)
	r.Use(authenticate(h.Tokens))

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", h.Health)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/", h.ListUsers)
				r.Get("/{id}", h.GetUser)
				r.Patch("/{id}", h.UpdateUser)
				r.Delete("/{id}", h.DeleteUser)
				r.Get("/{id}/bookings", h.ListUserBookings)
			})
		})

		// Train routes
		r.Route("/trains", func(r chi.Router) {
			r.Get("/", h.ListTrains)
			r.Get("/{id}", h.GetTrain)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/", h.CreateTrain)
				r.Patch("/{id}", h.UpdateTrain)
				r.Delete("/{id}", h.DeleteTrain)
			})
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/", h.ListBookings)
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Patch("/{id}", h.UpdateBooking)
			r.Delete("/{id}", h.CancelBooking)
		})

		r.Get("/pnr/{pnr}", h.PNRStatus)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth, h.requireAdmin)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/reconcile", h.LastReconcile)
			r.Get("/audit", h.ListAudit)
			r.Get("/trains/{id}/ledger", h.TrainLedger)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(requireAuth, h.requireAdmin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
