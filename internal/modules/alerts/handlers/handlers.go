// Package handlers provides HTTP handlers for operator alerts.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/alerts"
)

// Handler serves the alert endpoints.
type Handler struct {
	sink *alerts.Sink
	log  zerolog.Logger
}

// NewHandler creates an alerts handler.
func NewHandler(sink *alerts.Sink, log zerolog.Logger) *Handler {
	return &Handler{
		sink: sink,
		log:  log.With().Str("handler", "alerts").Logger(),
	}
}

// HandleList handles GET /api/alerts?open=true&limit=N
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	open := r.URL.Query().Get("open") == "true"

	list, err := h.sink.List(r.Context(), open, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list alerts")
		http.Error(w, "Failed to list alerts", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []domain.Alert{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": list,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleAcknowledge handles POST /api/alerts/{id}/ack
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid alert id", http.StatusBadRequest)
		return
	}
	if err := h.sink.Acknowledge(r.Context(), id); err != nil {
		if errors.Is(err, alerts.ErrAlertNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Int64("id", id).Msg("Failed to acknowledge alert")
		http.Error(w, "Failed to acknowledge alert", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
