package scheduler

import (
	"context"
	"fmt"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/cyclelog"
)

// Bootstrap restores state before the first cycle: device health, the
// cached forecast, and the actuator state. Actuators that cannot be read
// keep their last confirmed command, or the safe default when none was
// logged. The startup is recorded with the overrides still in force.
func (j *ControlCycleJob) Bootstrap(ctx context.Context, version string) (cyclelog.Startup, error) {
	log := j.log.With().Str("phase", "bootstrap").Logger()

	if err := j.cfg.Retry.Health().Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore device health")
	}
	if err := j.cfg.Corrector.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("No cached forecast restored")
	}

	state := domain.SafeActuatorState()
	confirmed, err := j.cfg.CycleLog.LastConfirmed(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load last confirmed commands, assuming safe state")
	}
	for a, cmd := range confirmed {
		state = state.With(a, cmd)
	}

	j.mu.Lock()
	j.confirmed = state
	for _, a := range domain.Actuators {
		state = state.With(a, j.readActuator(ctx, a))
	}
	j.confirmed = state
	j.mu.Unlock()

	now := j.now()
	active, err := j.cfg.Overrides.ListActive(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list active overrides")
	}
	for _, o := range active {
		log.Info().
			Str("actuator", string(o.Actuator)).
			Str("command", o.Command.String()).
			Dur("remaining", o.Remaining(now)).
			Msg("Override still active")
	}

	startup := cyclelog.Startup{
		StartedAt:       now,
		Version:         version,
		Actuators:       state,
		ActiveOverrides: len(active),
	}
	id, err := j.cfg.CycleLog.RecordStartup(ctx, startup)
	if err != nil {
		return startup, fmt.Errorf("failed to record startup: %w", err)
	}
	startup.ID = id

	log.Info().
		Int64("startup_id", id).
		Str("version", version).
		Int("active_overrides", len(active)).
		Msg("Controller bootstrapped")
	return startup, nil
}
