// Package reliability keeps the control loop running when devices and
// services misbehave: it tracks per-device health, retries failed calls once,
// degrades through fallback sources, and raises operator alerts.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/canopy/internal/domain"
)

// Policy decides when a failing device escalates to an alert.
// AlertAfter of zero alerts on the first failure.
type Policy struct {
	AlertAfter time.Duration   `yaml:"after" json:"after"`
	Severity   domain.Severity `yaml:"severity" json:"severity"`
}

// HealthStore persists device health across restarts.
type HealthStore interface {
	LoadAll(ctx context.Context) ([]domain.DeviceHealth, error)
	Save(ctx context.Context, h domain.DeviceHealth) error
}

// HealthConfig configures a HealthTracker.
type HealthConfig struct {
	// CycleInterval converts consecutive failures into outage duration.
	CycleInterval time.Duration
	Policies      map[string]Policy
	Default       Policy
	// NotifyRecovery sends a warning when an alerting device recovers.
	NotifyRecovery bool
	Now            func() time.Time
}

type deviceEntry struct {
	health domain.DeviceHealth
	value  any
}

// HealthTracker owns the health record of every device. It is safe for
// concurrent use; the MQTT listener records successes from its own goroutine.
type HealthTracker struct {
	mu       sync.Mutex
	devices  map[string]*deviceEntry
	cfg      HealthConfig
	store    HealthStore
	alerts   domain.AlertSink
	onChange []func(domain.DeviceHealth)
	log      zerolog.Logger
}

// NewHealthTracker creates a tracker. store and alerts may be nil.
func NewHealthTracker(cfg HealthConfig, store HealthStore, alerts domain.AlertSink, log zerolog.Logger) *HealthTracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Minute
	}
	if cfg.Default.Severity == "" {
		cfg.Default.Severity = domain.SeverityAlert
	}
	return &HealthTracker{
		devices: make(map[string]*deviceEntry),
		cfg:     cfg,
		store:   store,
		alerts:  alerts,
		log:     log.With().Str("component", "health_tracker").Logger(),
	}
}

// OnChange registers a callback invoked after a device changes state.
func (h *HealthTracker) OnChange(fn func(domain.DeviceHealth)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Load restores persisted health records. Missing store is not an error.
func (h *HealthTracker) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	records, err := h.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device health: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		h.devices[rec.Device] = &deviceEntry{health: rec}
	}
	h.log.Info().Int("devices", len(records)).Msg("Device health restored")
	return nil
}

// PolicyFor returns the alert policy of a device.
func (h *HealthTracker) PolicyFor(device string) Policy {
	if p, ok := h.cfg.Policies[device]; ok {
		if p.Severity == "" {
			p.Severity = h.cfg.Default.Severity
		}
		return p
	}
	return h.cfg.Default
}

// RecordSuccess resets the failure counter and remembers value as the
// device's last known good reading.
func (h *HealthTracker) RecordSuccess(ctx context.Context, device string, value any) {
	now := h.cfg.Now()

	h.mu.Lock()
	e := h.entry(device)
	prev := e.health.State()
	wasAlerting := e.health.AlertSent
	e.health.LastSuccess = now
	e.health.ConsecutiveFailures = 0
	e.health.AlertSent = false
	e.health.UpdatedAt = now
	if value != nil {
		e.value = value
		if raw, err := msgpack.Marshal(value); err == nil {
			e.health.LastValue = raw
		} else {
			h.log.Debug().Err(err).Str("device", device).Msg("Last value not encodable")
		}
	}
	snapshot := e.health
	h.mu.Unlock()

	if wasAlerting {
		h.log.Info().Str("device", device).Msg("Device recovered")
		if h.cfg.NotifyRecovery && h.alerts != nil {
			msg := fmt.Sprintf("%s recovered", device)
			if err := h.alerts.Notify(context.WithoutCancel(ctx), device, msg, domain.SeverityWarning); err != nil {
				h.log.Warn().Err(err).Str("device", device).Msg("Failed to send recovery notice")
			}
		}
	}
	h.persist(ctx, snapshot)
	if prev != snapshot.State() {
		h.changed(snapshot)
	}
}

// RecordFailure counts a failed call. The first time the outage duration
// (failures × cycle interval) reaches the device's threshold an alert is sent;
// no further alerts are sent until the device has succeeded again.
func (h *HealthTracker) RecordFailure(ctx context.Context, device string, cause error) domain.HealthState {
	now := h.cfg.Now()
	policy := h.PolicyFor(device)

	h.mu.Lock()
	e := h.entry(device)
	prev := e.health.State()
	e.health.ConsecutiveFailures++
	e.health.UpdatedAt = now
	outage := time.Duration(e.health.ConsecutiveFailures) * h.cfg.CycleInterval
	sendAlert := !e.health.AlertSent && outage >= policy.AlertAfter
	if sendAlert {
		e.health.AlertSent = true
	}
	failures := e.health.ConsecutiveFailures
	lastSuccess := e.health.LastSuccess
	h.mu.Unlock()

	ev := h.log.Warn().Str("device", device).Int("consecutive_failures", failures)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("Device call failed")

	if sendAlert && h.alerts != nil {
		msg := fmt.Sprintf("%s unavailable: %d consecutive failures", device, failures)
		if !lastSuccess.IsZero() {
			msg += fmt.Sprintf(", last success %s", lastSuccess.Format(time.RFC3339))
		}
		if cause != nil {
			msg += fmt.Sprintf(" (%v)", cause)
		}
		if err := h.alerts.Notify(context.WithoutCancel(ctx), device, msg, policy.Severity); err != nil {
			h.log.Error().Err(err).Str("device", device).Msg("Failed to deliver alert, will retry on next failure")
			h.mu.Lock()
			h.entry(device).health.AlertSent = false
			h.mu.Unlock()
		}
	}

	h.mu.Lock()
	snapshot := h.entry(device).health
	h.mu.Unlock()

	h.persist(ctx, snapshot)
	if prev != snapshot.State() {
		h.changed(snapshot)
	}
	return snapshot.State()
}

// Health returns a copy of a device's record.
func (h *HealthTracker) Health(device string) domain.DeviceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.devices[device]; ok {
		return e.health
	}
	return domain.DeviceHealth{Device: device}
}

// State returns a device's derived state.
func (h *HealthTracker) State(device string) domain.HealthState {
	return h.Health(device).State()
}

// All returns every known device record, sorted by name.
func (h *HealthTracker) All() []domain.DeviceHealth {
	h.mu.Lock()
	out := make([]domain.DeviceHealth, 0, len(h.devices))
	for _, e := range h.devices {
		out = append(out, e.health)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// LastKnown returns the last good value recorded for device as T. After a
// restart the value is decoded from its persisted form.
func LastKnown[T any](h *HealthTracker, device string) (T, time.Time, bool) {
	var zero T
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.devices[device]
	if !ok || e.health.LastSuccess.IsZero() {
		return zero, time.Time{}, false
	}
	if v, ok := e.value.(T); ok {
		return v, e.health.LastSuccess, true
	}
	if len(e.health.LastValue) == 0 {
		return zero, time.Time{}, false
	}
	var v T
	if err := msgpack.Unmarshal(e.health.LastValue, &v); err != nil {
		return zero, time.Time{}, false
	}
	e.value = v
	return v, e.health.LastSuccess, true
}

func (h *HealthTracker) entry(device string) *deviceEntry {
	e, ok := h.devices[device]
	if !ok {
		e = &deviceEntry{health: domain.DeviceHealth{Device: device}}
		h.devices[device] = e
	}
	return e
}

func (h *HealthTracker) persist(ctx context.Context, rec domain.DeviceHealth) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		h.log.Error().Err(err).Str("device", rec.Device).Msg("Failed to persist device health")
	}
}

func (h *HealthTracker) changed(rec domain.DeviceHealth) {
	h.mu.Lock()
	callbacks := append([]func(domain.DeviceHealth){}, h.onChange...)
	h.mu.Unlock()
	for _, fn := range callbacks {
		fn(rec)
	}
}
