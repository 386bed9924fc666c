/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. logger.Middleware: request ID, actor ID, structured access log (zap)
  2. Recoverer:         Panic recovery (500 instead of crash)
  3. CORS:              Cross-origin requests for the booking frontend
  4. requireActor:      /api requests must carry X-Actor-ID

IDENTITY:
  Authentication happens upstream (the identity proxy). It forwards the
  authenticated user as X-Actor-ID; requests without it get 401.

ROUTE GROUPS:
  /healthz              Liveness + database ping
  /metrics              Prometheus exposition
  /api/me               Caller capabilities
  /api/nodes/*          Nodes and availability
  /api/reservations/*   Reservation workflow
  /api/projects/*       Project reservations and cost allocations
  /api/skus/*           SKUs and rates
  /api/subscriptions    Maintenance subscriptions
  /api/invoice-periods  Periods, invoices, overrides
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go, billing_handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/noderental/observability/logger"
)

// RouterOptions configures the outer HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // nil disables /metrics
	Log            *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(logger.Middleware(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requireActor)

		r.Get("/me", h.GetMe)
		r.Get("/catalog", h.ExportCatalog)

		// Node routes
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", h.ListNodes)
			r.Get("/{id}", h.GetNode)
			r.Get("/{id}/availability", h.GetAvailability)
		})

		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.RequestReservation)
			r.Get("/pending", h.ListPendingReservations)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/approve", h.ApproveReservation)
			r.Post("/{id}/decline", h.DeclineReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})

		// Project routes
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Get("/{id}/reservations", h.ListProjectReservations)
			r.Get("/{id}/allocation", h.GetAllocation)
			r.Put("/{id}/allocation", h.SubmitAllocation)
			r.Post("/{id}/allocation/approve", h.ApproveAllocation)
			r.Post("/{id}/allocation/reject", h.RejectAllocation)
			r.Get("/{id}/snapshots", h.ListSnapshots)
			r.Get("/{id}/snapshot", h.GetSnapshotAsOf)
		})

		// SKU and rate routes
		r.Route("/skus", func(r chi.Router) {
			r.Get("/", h.ListSKUs)
			r.Post("/", h.CreateSKU)
			r.Get("/{id}/rates", h.ListRates)
			r.Post("/{id}/rates", h.AddRate)
			r.Get("/{id}/rate", h.ResolveRate)
		})

		// Subscription routes
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", h.ListSubscriptions)
			r.Post("/", h.CreateSubscription)
		})

		// Invoice period routes
		r.Route("/invoice-periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.CreatePeriod)
			r.Post("/month", h.CreateMonthPeriod)
			r.Get("/{id}", h.GetPeriod)
			r.Post("/{id}/close", h.ClosePeriod)
			r.Get("/{id}/invoice", h.GetInvoice)
			r.Get("/{id}/invoice.xlsx", h.ExportInvoice)
			r.Get("/{id}/overrides", h.ListOverrides)
			r.Put("/{id}/overrides", h.SetOverride)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requireActor rejects API calls that arrive without an identity.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && logger.ActorIDFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "Missing X-Actor-ID header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness and, when the store supports it, database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.WithContext(r.Context(), h.Log).Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
