package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type RouterConfig struct {
	Authenticator  Authenticator
	RateLimiter    RateLimiter   // nil disables rate limiting
	Health         HealthChecker // nil always reports healthy
	RequestTimeout time.Duration
}

// NewRouter mounts the public API. The streaming endpoints sit outside the
// request timeout since they stay open for the life of the client.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Authenticator, logger))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, logger, UserOrIPKeyFunc))

		r.Get("/notifications/stream", h.Stream)
		r.Get("/notifications/ws", h.WebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Post("/notifications/email", h.EnqueueEmail)
			r.Post("/notifications/bell", h.CreateBell)
			r.Get("/notifications/bell", h.ListBell)
			r.Get("/notifications/bell/unread-count", h.UnreadCount)
			r.Post("/notifications/bell/read-all", h.MarkAllRead)
			r.Post("/notifications/bell/{inboxId}/read", h.MarkRead)
			r.Get("/messages/{id}", h.GetMessage)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeProblem(w, http.StatusServiceUnavailable, "unhealthy", "Database unreachable", "")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
