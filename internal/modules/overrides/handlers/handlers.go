// Package handlers provides HTTP handlers for manual overrides.
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
	"github.com/aristath/canopy/internal/modules/overrides"
)

// Handler handles override HTTP requests
type Handler struct {
	manager *overrides.Manager
	now     func() time.Time
	log     zerolog.Logger
}

// NewHandler creates a new overrides handler
func NewHandler(manager *overrides.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		now:     time.Now,
		log:     log.With().Str("handler", "overrides").Logger(),
	}
}

// SetRequest is the body of POST /api/overrides. Command uses the text form
// accepted by domain.ParseCommand ("closed", "on", "cool@78"); Duration is a
// Go duration string such as "90m".
type SetRequest struct {
	Actuator string `json:"actuator"`
	Command  string `json:"command"`
	Duration string `json:"duration"`
	Source   string `json:"source"`
}

type overrideView struct {
	domain.Override
	CommandText      string `json:"command_text"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Active           bool   `json:"active"`
}

func view(o domain.Override, now time.Time) overrideView {
	return overrideView{
		Override:         o,
		CommandText:      o.Command.String(),
		RemainingSeconds: int64(o.Remaining(now).Seconds()),
		Active:           o.ActiveAt(now),
	}
}

// HandleList handles GET /api/overrides
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	active, err := h.manager.ListActive(r.Context(), now)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list overrides")
		h.writeError(w, http.StatusInternalServerError, "Failed to list overrides")
		return
	}

	views := make([]overrideView, 0, len(active))
	for _, o := range active {
		views = append(views, view(o, now))
	}
	h.writeJSON(w, http.StatusOK, envelope(views))
}

// HandleSet handles POST /api/overrides
func (h *Handler) HandleSet(w http.ResponseWriter, r *http.Request) {
	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actuator, err := domain.ParseActuator(req.Actuator)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := domain.ParseCommand(actuator, req.Command)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid duration: "+req.Duration)
		return
	}
	source := req.Source
	if source == "" {
		source = "http"
	}

	o, err := h.manager.Set(r.Context(), actuator, cmd, duration, source)
	if err != nil {
		if isValidationError(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("actuator", req.Actuator).Msg("Failed to set override")
		h.writeError(w, http.StatusInternalServerError, "Failed to set override")
		return
	}

	h.writeJSON(w, http.StatusCreated, envelope(view(o, h.now())))
}

// HandleCancel handles DELETE /api/overrides/{actuator}
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actuator, err := domain.ParseActuator(chi.URLParam(r, "actuator"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.manager.Cancel(r.Context(), actuator); err != nil {
		if errors.Is(err, overrides.ErrNoOverride) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error().Err(err).Str("actuator", string(actuator)).Msg("Failed to cancel override")
		h.writeError(w, http.StatusInternalServerError, "Failed to cancel override")
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"actuator":  actuator,
		"cancelled": true,
	}))
}

// HandleHistory handles GET /api/overrides/{actuator}/history?limit=N
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	actuator, err := domain.ParseActuator(chi.URLParam(r, "actuator"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	history, err := h.manager.History(r.Context(), actuator, limit)
	if err != nil {
		h.log.Error().Err(err).Str("actuator", string(actuator)).Msg("Failed to load override history")
		h.writeError(w, http.StatusInternalServerError, "Failed to load override history")
		return
	}

	now := h.now()
	views := make([]overrideView, 0, len(history))
	for _, o := range history {
		views = append(views, view(o, now))
	}
	h.writeJSON(w, http.StatusOK, envelope(views))
}

func isValidationError(err error) bool {
	return errors.Is(err, overrides.ErrInvalidDuration) ||
		errors.Is(err, domain.ErrInvalidCommand) ||
		errors.Is(err, domain.ErrUnknownActuator)
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
