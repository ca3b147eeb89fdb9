/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Access log: One zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/catalog, /api/tiers, /api/valuation   Reference data and ad-hoc valuation
  /api/banks/{bankID}/*                      Per-bank collections, inventory, withdrawals
  /api/collections/{id}/*                    Collection lifecycle
  /api/withdrawals/{id}/*                    Withdrawal lifecycle and commit
  /api/scenarios/*                           Demo scenarios
  /api/reset                                 Database reset (dev only)
  /metrics                                   Prometheus scrape endpoint
  /healthz                                   Liveness

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
	"go.uber.org/zap"
)

// RouterConfig carries the router's environment-dependent settings.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        http.Handler // mounted at /metrics when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: !allowsAnyOrigin(origins),
	}))

	r.Get("/healthz", h.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.GetCatalog)
		r.Get("/tiers", h.ListTiers)
		r.Post("/valuation", h.Valuate)

		// Bank routes
		r.Route("/banks/{bankID}", func(r chi.Router) {
			r.Get("/collections", h.ListCollections)
			r.Post("/collections", h.RecordCollection)
			r.Get("/inventory", h.GetInventory)
			r.Get("/impact", h.GetImpact)
			r.Get("/withdrawals", h.ListWithdrawals)
			r.Post("/withdrawals", h.CreateWithdrawal)
		})

		// Collection routes
		r.Route("/collections/{id}", func(r chi.Router) {
			r.Get("/", h.GetCollection)
			r.Put("/items", h.UpdateCollectionItems)
			r.Post("/status", h.TransitionCollection)
		})

		// Withdrawal routes
		r.Route("/withdrawals/{id}", func(r chi.Router) {
			r.Get("/", h.GetWithdrawal)
			r.Post("/status", h.TransitionWithdrawal)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
