package api

import (
	"net/http"

	"courier/internal/delivery"
	"courier/internal/health"
	"courier/internal/observability"
	"courier/pkg/circuitbreaker"

	"github.com/go-chi/chi/v5"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Queues        []*delivery.Queue
	Sinks         map[string]*delivery.BatchSink
	Breakers      *circuitbreaker.Registry
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Queues, cfg.Sinks, cfg.Breakers, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// API endpoints - auth required
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Get("/queues", handler.ListQueues)
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Post("/items", handler.Enqueue)
			r.Get("/items", handler.ListItems)
			r.Get("/items/{id}", handler.GetItem)
			r.Post("/items/{id}/retry", handler.RetryItem)
			r.Delete("/items/{id}", handler.PurgeItem)
			r.Post("/events", handler.AddEvent)
			r.Post("/send", handler.Send)
			r.Get("/stats", handler.QueueStats)
		})

		r.Get("/breakers", handler.ListBreakers)
		r.Post("/breakers/{resource}/reset", handler.ResetBreaker)
	})

	return r
}
