// Package overrides stores and arbitrates manual actuator commands. An
// override pins one actuator to a command until it expires or is cancelled;
// the control loop skips any actuator that has one.
package overrides

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
)

// MaxDuration is the longest override accepted.
const MaxDuration = 24 * time.Hour

// Store is the persistence the manager needs.
type Store interface {
	Insert(ctx context.Context, o domain.Override) error
	Cancel(ctx context.Context, actuator domain.Actuator, at time.Time) (bool, error)
	Open(ctx context.Context, actuator domain.Actuator) (*domain.Override, error)
	ListOpen(ctx context.Context) ([]domain.Override, error)
	History(ctx context.Context, actuator domain.Actuator, limit int) ([]domain.Override, error)
	MarkApplied(ctx context.Context, id string, at time.Time) error
}

// Manager validates and records overrides. It keeps no state of its own.
type Manager struct {
	store  Store
	events *events.Manager
	now    func() time.Time
	log    zerolog.Logger
}

// NewManager creates an override manager. eventManager may be nil.
func NewManager(store Store, eventManager *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		events: eventManager,
		now:    time.Now,
		log:    log.With().Str("service", "overrides").Logger(),
	}
}

// Set pins actuator to cmd for duration, superseding any active override.
func (m *Manager) Set(ctx context.Context, actuator domain.Actuator, cmd domain.Command, duration time.Duration, source string) (domain.Override, error) {
	if !actuator.Valid() {
		return domain.Override{}, fmt.Errorf("%w: %q", domain.ErrUnknownActuator, actuator)
	}
	if err := cmd.Validate(actuator); err != nil {
		return domain.Override{}, err
	}
	if duration <= 0 || duration > MaxDuration {
		return domain.Override{}, fmt.Errorf("%w: %s (must be between 0 and %s)", ErrInvalidDuration, duration, MaxDuration)
	}
	if source == "" {
		source = "manual"
	}

	// Stored at second resolution.
	now := m.now().UTC().Truncate(time.Second)
	o := domain.Override{
		ID:        uuid.New().String(),
		Actuator:  actuator,
		Command:   cmd,
		CreatedAt: now,
		ExpiresAt: now.Add(duration.Round(time.Second)),
		Source:    source,
	}
	if err := m.store.Insert(ctx, o); err != nil {
		return domain.Override{}, err
	}

	m.log.Info().
		Str("actuator", string(actuator)).
		Str("command", cmd.String()).
		Str("source", source).
		Time("expires_at", o.ExpiresAt).
		Msg("Override set")
	if m.events != nil {
		expires := o.ExpiresAt
		m.events.EmitTyped("overrides", &events.OverrideChangedData{
			Actuator:  string(actuator),
			Action:    "set",
			Command:   cmd.String(),
			Source:    source,
			ExpiresAt: &expires,
		})
	}
	return o, nil
}

// Cancel ends the active override of actuator.
func (m *Manager) Cancel(ctx context.Context, actuator domain.Actuator) error {
	if !actuator.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownActuator, actuator)
	}
	ok, err := m.store.Cancel(ctx, actuator, m.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoOverride, actuator)
	}

	m.log.Info().Str("actuator", string(actuator)).Msg("Override cancelled")
	if m.events != nil {
		m.events.EmitTyped("overrides", &events.OverrideChangedData{
			Actuator: string(actuator),
			Action:   "cancelled",
		})
	}
	return nil
}

// Active returns the override in force for actuator at now, or nil. Expiry
// is evaluated here against now, not in storage.
func (m *Manager) Active(ctx context.Context, actuator domain.Actuator, now time.Time) (*domain.Override, error) {
	o, err := m.store.Open(ctx, actuator)
	if err != nil || o == nil {
		return nil, err
	}
	if !o.ActiveAt(now) {
		return nil, nil
	}
	return o, nil
}

// ListActive returns every override in force at now.
func (m *Manager) ListActive(ctx context.Context, now time.Time) ([]domain.Override, error) {
	open, err := m.store.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]domain.Override, 0, len(open))
	for _, o := range open {
		if o.ActiveAt(now) {
			active = append(active, o)
		}
	}
	return active, nil
}

// MarkApplied records that the controller pushed override id to its device.
func (m *Manager) MarkApplied(ctx context.Context, id string) error {
	return m.store.MarkApplied(ctx, id, m.now())
}

// History returns past overrides, newest first.
func (m *Manager) History(ctx context.Context, actuator domain.Actuator, limit int) ([]domain.Override, error) {
	return m.store.History(ctx, actuator, limit)
}

var _ domain.OverrideReader = (*Manager)(nil)
