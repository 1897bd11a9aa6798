/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for rate limiting
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. httprate:   Per-IP limit on /api/admin

ROUTE GROUPS:
  /api/accounts/*   Accounts, business events, repair
  /api/movements/*  Movement deletion
  /api/sales        Sales subsystem stand-in
  /api/customers/*  Sales by customer
  /api/admin/*      Admin operations (rate limited)
  /api/scenarios/*  Demo scenarios (only with RouterOptions.Scenarios)
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the surrounding application's
  gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string

	// AdminRateLimit is requests per minute per IP on /api/admin.
	AdminRateLimit int

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Scenarios mounts the demo scenario routes.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.AdminRateLimit <= 0 {
		opts.AdminRateLimit = 10
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.OpenAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/balance", h.GetBalance)
				r.Get("/movements", h.ListMovements)

				r.Post("/sales", h.RegisterSale)
				r.Post("/payments", h.RegisterPayment)
				r.Post("/annulments", h.AnnulSale)
				r.Post("/adjustments", h.Adjust)
				r.Post("/credits/grant", h.GrantCredit)
				r.Post("/credits/consume", h.ConsumeCredit)

				r.Post("/reconcile", h.Reconcile)
				r.Get("/diagnose", h.Diagnose)
				r.Post("/replay", h.Replay)
				r.Get("/reconciliations", h.ListReconciliations)
			})
		})

		// Movement routes
		r.Delete("/movements/{id}", h.DeleteMovement)

		// Sales stand-in
		r.Post("/sales", h.CreateSale)
		r.Get("/customers/{id}/sales", h.ListCustomerSales)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(httprate.Limit(opts.AdminRateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
				}),
			))
			r.Post("/sweep", h.Sweep)
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
