// Package handlers exposes the cycle log, liveness and model accuracy over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/cyclelog"
)

// HealthSource reports device health.
type HealthSource interface {
	All() []domain.DeviceHealth
}

// OverrideLister lists the overrides in force.
type OverrideLister interface {
	ListActive(ctx context.Context, now time.Time) ([]domain.Override, error)
}

// Handler serves the cycle log endpoints.
type Handler struct {
	repo      *cyclelog.Repository
	health    HealthSource
	overrides OverrideLister
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewHandler creates a cycle log handler. interval is the control cycle
// cadence used to judge liveness.
func NewHandler(repo *cyclelog.Repository, health HealthSource, overrides OverrideLister, interval time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		repo:      repo,
		health:    health,
		overrides: overrides,
		interval:  interval,
		now:       time.Now,
		log:       log.With().Str("handler", "cyclelog").Logger(),
	}
}

// StateResponse is the dashboard's one-call view of the controller.
type StateResponse struct {
	Online          bool                   `json:"online"`
	HeartbeatAgeSec float64                `json:"heartbeat_age_seconds"`
	Heartbeat       cyclelog.Heartbeat     `json:"heartbeat"`
	LastCycle       *cyclelog.CycleSummary `json:"last_cycle"`
	Devices         []domain.DeviceHealth  `json:"devices"`
	Overrides       []domain.Override      `json:"overrides"`
}

// HandleState handles GET /api/state
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()

	hb, err := h.repo.Heartbeat(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read heartbeat")
		http.Error(w, "Failed to read state", http.StatusInternalServerError)
		return
	}
	last, err := h.repo.Latest(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read last cycle")
		http.Error(w, "Failed to read state", http.StatusInternalServerError)
		return
	}

	resp := StateResponse{
		Online:          hb.Online(now, h.interval),
		HeartbeatAgeSec: hb.Age(now).Seconds(),
		Heartbeat:       hb,
		LastCycle:       last,
		Devices:         []domain.DeviceHealth{},
		Overrides:       []domain.Override{},
	}
	if h.health != nil {
		resp.Devices = append(resp.Devices, h.health.All()...)
	}
	if h.overrides != nil {
		active, err := h.overrides.ListActive(ctx, now)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to list overrides for state")
		} else {
			resp.Overrides = append(resp.Overrides, active...)
		}
	}

	h.writeJSON(w, http.StatusOK, envelope(resp, now))
}

// HandleCycles handles GET /api/cycles?limit=N
func (h *Handler) HandleCycles(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, 24)
	if !ok {
		return
	}
	cycles, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list cycles")
		http.Error(w, "Failed to list cycles", http.StatusInternalServerError)
		return
	}
	if cycles == nil {
		cycles = []cyclelog.CycleSummary{}
	}
	h.writeJSON(w, http.StatusOK, envelope(cycles, h.now()))
}

// HandleTrajectories handles GET /api/cycles/{id}/trajectories
func (h *Handler) HandleTrajectories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	traj, err := h.repo.Trajectories(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("cycle_id", id).Msg("Failed to read trajectories")
		http.Error(w, "Failed to read trajectories", http.StatusInternalServerError)
		return
	}
	if traj == nil {
		http.Error(w, "Cycle not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(traj, h.now()))
}

// HandleCommands handles GET /api/commands?actuator=X&limit=N
func (h *Handler) HandleCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, 50)
	if !ok {
		return
	}
	var actuator domain.Actuator
	if name := r.URL.Query().Get("actuator"); name != "" {
		a, err := domain.ParseActuator(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		actuator = a
	}
	cmds, err := h.repo.Commands(r.Context(), actuator, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list commands")
		http.Error(w, "Failed to list commands", http.StatusInternalServerError)
		return
	}
	if cmds == nil {
		cmds = []cyclelog.CommandRecord{}
	}
	h.writeJSON(w, http.StatusOK, envelope(cmds, h.now()))
}

// HandleAccuracy handles GET /api/accuracy?hours=N
func (h *Handler) HandleAccuracy(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "Invalid hours", http.StatusBadRequest)
			return
		}
		hours = v
	}
	now := h.now()
	summary, err := h.repo.AccuracySince(r.Context(), now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to summarize accuracy")
		http.Error(w, "Failed to summarize accuracy", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(summary, now))
}

// HandleStartups handles GET /api/startups
func (h *Handler) HandleStartups(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, 20)
	if !ok {
		return
	}
	startups, err := h.repo.Startups(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list startups")
		http.Error(w, "Failed to list startups", http.StatusInternalServerError)
		return
	}
	if startups == nil {
		startups = []cyclelog.Startup{}
	}
	h.writeJSON(w, http.StatusOK, envelope(startups, h.now()))
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > 1000 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func envelope(data interface{}, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": now.Format(time.RFC3339),
		},
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
