/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. requestLog: slog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. instrument: Prometheus request counter and latency
  6. CORS:       Origins from CORS_ALLOWED_ORIGINS
  7. Timeout:    Request deadline (TX_TIMEOUT), propagated to the store
  8. Identify:   Caller identity (see auth.go)

ROUTE GROUPS:
  /healthz, /metrics     Unauthenticated
  /api/products          Public catalog
  /api/scenarios/*       Demo scenarios, mounted only with SCENARIOS_ENABLED;
                         listing is public, loading is admin only
  /api/admin/*           Admin only
  /api/*                 Everything else requires a caller

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kotize/savings-engine/metrics"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	Timeout        time.Duration
	// Scenarios mounts /api/scenarios. Loading one creates funded users
	// and, with JWT on, hands out their tokens.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-User-ID"},
		MaxAge:         300,
	}))
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Identify)

		r.Get("/products", h.ListProducts)

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.With(RequireAdmin).Post("/load", h.LoadScenario)
			})
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/stats", h.AdminStats)
			r.Get("/sweeps", h.ListSweepRuns)
			r.Post("/sweeps", h.TriggerSweep)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Route("/wallets", func(r chi.Router) {
				r.Get("/", h.ListWallets)
				r.Get("/{currency}", h.GetWallet)
				r.Post("/{currency}/credit", h.CreditWallet)
				r.Post("/{currency}/debit", h.DebitWallet)
				r.Get("/{currency}/transactions", h.WalletTransactions)
			})

			r.Route("/sol/groups", func(r chi.Router) {
				r.Post("/", h.CreateGroup)
				r.Get("/{id}", h.GetGroup)
				r.Post("/{id}/join", h.JoinGroup)
				r.Post("/{id}/contributions", h.Contribute)
				r.Get("/{id}/cycles/{cycle}", h.GetCycle)
				r.Post("/{id}/cycles/{cycle}/payout", h.InitiatePayout)
			})
			r.Post("/payouts/{id}/advance", h.AdvancePayout)

			r.Route("/tikane/accounts", func(r chi.Router) {
				r.Post("/", h.OpenTiKane)
				r.Get("/{id}", h.GetTiKane)
				r.Post("/{id}/payments", h.PayInstallment)
			})

			r.Get("/accounts/{id}/entries", h.ListEntries)
			r.Post("/accounts/{id}/regenerate", h.Regenerate)
			r.Post("/entries/{id}/approve", h.ApproveEntry)
			r.Post("/entries/{id}/reject", h.RejectEntry)
			r.Post("/events/{id}/mark-paid", h.MarkEventPaid)
		})
	})

	return r
}

// requestLog logs one line per request with the chi request ID.
func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// instrument records request metrics labeled by chi route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
