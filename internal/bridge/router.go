package bridge

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Session state machine
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/credentials", s.handleSubmitCredentials)
			r.Post("/verification", s.handleSubmitVerification)
			r.Post("/logout", s.handleLogout)
			r.Post("/reset", s.handleReset)
			r.Post("/profile", s.handleRefreshProfile)
		})

		// Authorization surface
		r.Get("/menu", s.handleMenu)
		r.Get("/permissions", s.handlePermissions)
		r.Post("/guard", s.handleGuard)

		// Activity monitor
		r.Route("/activity", func(r chi.Router) {
			r.Post("/", s.handleActivity)
			r.Post("/extend", s.handleExtend)
			r.Post("/visible", s.handleVisible)
			r.Post("/logout", s.handleActivityLogout)
		})

		// Event stream
		r.Get("/events", s.handleEvents)
	})

	return r
}
