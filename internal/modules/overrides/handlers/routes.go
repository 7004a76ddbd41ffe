package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all override routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/overrides", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleSet)
		r.Delete("/{actuator}", h.HandleCancel)
		r.Get("/{actuator}/history", h.HandleHistory)
	})
}
