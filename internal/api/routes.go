package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. metrics is
// mounted at /metrics when non-nil. devMode disables authentication.
func NewRouter(h *Handler, metrics http.Handler, devMode bool) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Rate limiter for DELETE operations: 100 deletes max, refill 1 per 100ms
	// This allows burst of 100 deletes, then sustained rate of 10/second
	deleteRateLimiter := NewDeleteRateLimiter(100, 100*time.Millisecond)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required outside dev mode)
		r.Group(func(r chi.Router) {
			if !devMode {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Post("/prayers", h.CreatePrayer)
			r.Post("/prayers/{id}/responses", h.CreateResponse)
			// DELETE has additional rate limiting to prevent abuse
			r.With(deleteRateLimiter.Middleware).Delete("/responses/{id}", h.DeleteResponse)

			r.Route("/users/{user_id}", func(r chi.Router) {
				r.Use(SubjectMiddleware)
				r.Get("/inbox", h.Inbox)
				r.Get("/prayers/ids", h.PrayerIDs)
			})

			r.Get("/changes", h.Changes)
			r.Get("/snapshot", h.Snapshot)
		})
	})

	return r
}
