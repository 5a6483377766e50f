/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RealIP:         Client address behind proxies (rate limit key fallback)
  3. RequestLogger:  logrus request line + latency histogram
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the frontend
  /api only:
  6. Auth:           Bearer token → caller identity
  7. RateLimit:      Per-caller token bucket

ROUTE GROUPS:
  /health          Liveness
  /metrics         Prometheus scrape endpoint
  /api/meals/*     Meal listing and selection
  /api/wallet/*    Balance, history, vendor payments

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/credeat/metrics"
)

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	Auth           *Authenticator
	RateLimit      *RateLimiter // nil disables rate limiting
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)
		r.Use(opts.RateLimit.Handler)

		r.Route("/meals", func(r chi.Router) {
			r.Get("/", h.ListMeals)
			r.Get("/my-selections", h.MySelections)
			r.Post("/{id}/select", h.SelectMeal)
		})

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Post("/pay", h.PayVendor)
		})
	})

	return r
}
