package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes registers the cycle log routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/state", h.HandleState)
	r.Route("/cycles", func(r chi.Router) {
		r.Get("/", h.HandleCycles)
		r.Get("/{id}/trajectories", h.HandleTrajectories)
	})
	r.Get("/commands", h.HandleCommands)
	r.Get("/accuracy", h.HandleAccuracy)
	r.Get("/startups", h.HandleStartups)
}
