package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skridlevsky/expert-voter/internal/feed"
	"github.com/skridlevsky/expert-voter/internal/strategy"
)

// StatusSource reports the state of the running accounts
type StatusSource interface {
	Statuses() []feed.Status
	Excluded() []feed.Exclusion
}

// RouterConfig holds configuration for the router
type RouterConfig struct {
	Database   interface{ Health(context.Context) error } // optional
	Accounts   StatusSource
	Strategies *strategy.Registry
	Gatherer   prometheus.Gatherer
}

// RouterResult holds the router and resources that need cleanup
type RouterResult struct {
	Router      *chi.Mux
	RateLimiter *RateLimiter
}

// NewRouter creates and configures the HTTP router.
// Caller must call result.RateLimiter.Stop() on shutdown.
func NewRouter(cfg *RouterConfig) *RouterResult {
	r := chi.NewRouter()

	rateLimiter := NewRateLimiter(DefaultRateLimitConfig())

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware)
	r.Use(rateLimiter.Middleware)

	if cfg.Database != nil {
		r.Get("/api/health", NewHealthHandler(cfg.Database))
	} else {
		r.Get("/api/health", HealthHandler)
	}

	accounts := NewAccountsHandler(cfg.Accounts)
	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/", accounts.List)
		r.Get("/{login}", accounts.Get)
	})

	if cfg.Strategies != nil {
		r.Get("/api/strategies", NewStrategiesHandler(cfg.Strategies))
	}

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return &RouterResult{
		Router:      r,
		RateLimiter: rateLimiter,
	}
}
