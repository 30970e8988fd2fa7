package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"luna-backend/internal/handlers"
	"luna-backend/internal/middleware"
	"luna-backend/internal/websocket"
)

// New wires the HTTP surface. jwtAuth may be nil when session tokens are not
// required; monitor may be nil when redis is not configured.
func New(
	jwtAuth *middleware.JWTAuth,
	sessionHandler *handlers.SessionHandler,
	healthHandler *handlers.HealthHandler,
	wsHub *websocket.Hub,
	monitor *websocket.Monitor,
	createLimiter *middleware.RateLimiter,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	r.Get("/health", healthHandler.Health)
	r.Get("/metrics", healthHandler.Metrics)

	r.Route("/api/v1/classroom", func(r chi.Router) {

		// ──── Session lifecycle ────
		r.Route("/sessions", func(r chi.Router) {
			r.With(createLimiter.Middleware).Post("/", sessionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.With(chimiddleware.Timeout(15 * time.Second)).Get("/", sessionHandler.Get)

				r.Group(func(r chi.Router) {
					if jwtAuth != nil {
						r.Use(jwtAuth.RequireSession)
					}
					r.Post("/end", sessionHandler.End)
				})

				// ──── Realtime ────
				r.Get("/ws", wsHub.HandleWebSocket)
				if monitor != nil {
					r.Get("/monitor", monitor.HandleMonitor)
				}
			})
		})

		r.Get("/students/{studentId}/sessions", sessionHandler.ListByStudent)
	})

	return r
}
