package control

import (
	"time"

	"github.com/aristath/canopy/internal/domain"
)

// ActionKind classifies what the engine concluded for one actuator.
type ActionKind string

const (
	// ActionCommand changes the actuator's confirmed state.
	ActionCommand ActionKind = "command"
	// ActionHold leaves the actuator as it is.
	ActionHold ActionKind = "hold"
	// ActionOverridden means a manual override is in force; Command is the
	// override's command. The engine never commands such an actuator.
	ActionOverridden ActionKind = "overridden"
	// ActionSkipped means the override state could not be read, so the
	// actuator is left alone.
	ActionSkipped ActionKind = "skipped"
)

// Action is the engine's conclusion for one actuator.
type Action struct {
	Actuator        domain.Actuator `json:"actuator"`
	Kind            ActionKind      `json:"kind"`
	Command         domain.Command  `json:"command"`
	Reason          string          `json:"reason"`
	// Source, OverrideID and OverridePending describe the override for
	// ActionOverridden. OverridePending is set until the override's command
	// has been pushed to the device once.
	Source          string          `json:"source,omitempty"`
	OverrideID      string          `json:"override_id,omitempty"`
	OverridePending bool            `json:"override_pending,omitempty"`
}

// Decision is the outcome of one cycle's prediction and rules.
type Decision struct {
	At           time.Time                    `json:"at"`
	Actions      []Action                     `json:"actions"`
	Trajectories map[string]domain.Trajectory `json:"-"`
	// Plan is the actuator state the decision leads to.
	Plan             domain.ActuatorPlan `json:"plan"`
	PredictedPeakF   float64             `json:"predicted_peak_f"`
	PredictedTroughF float64             `json:"predicted_trough_f"`
	Settings         Settings            `json:"settings"`
}

// Action returns the action for actuator a.
func (d Decision) Action(a domain.Actuator) (Action, bool) {
	for _, act := range d.Actions {
		if act.Actuator == a {
			return act, true
		}
	}
	return Action{}, false
}

// Commands returns the actions that change actuator state.
func (d Decision) Commands() []Action {
	var out []Action
	for _, act := range d.Actions {
		if act.Kind == ActionCommand {
			out = append(out, act)
		}
	}
	return out
}

// Final returns the trajectory of the plan the decision leads to.
func (d Decision) Final() domain.Trajectory {
	return d.Trajectories[d.Plan.Name]
}
