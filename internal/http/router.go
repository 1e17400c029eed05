package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/neurobreath/server/internal/auth"
	"github.com/neurobreath/server/internal/http/handlers"
	"github.com/neurobreath/server/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(syncHandler *handlers.SyncHandler, jwtService *auth.JWTService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.DeviceAuth(jwtService))
		r.Post("/sync", syncHandler.HandleSync)
	})

	return r
}
