// Package domain holds the value types shared by every canopy component:
// actuator commands, state snapshots, forecasts, trajectories, overrides and
// device health. Nothing in this package performs I/O.
package domain

import (
	"errors"
	"fmt"
)

// Actuator identifies one controllable output of the building.
type Actuator string

const (
	ActuatorShadesEast  Actuator = "shades_east"
	ActuatorShadesWest  Actuator = "shades_west"
	ActuatorVentilation Actuator = "ventilation"
	ActuatorHVAC        Actuator = "hvac"
)

// Actuators lists every actuator in decision order.
var Actuators = []Actuator{
	ActuatorShadesEast,
	ActuatorShadesWest,
	ActuatorVentilation,
	ActuatorHVAC,
}

// ErrUnknownActuator is returned when an actuator name is not recognised.
var ErrUnknownActuator = errors.New("unknown actuator")

// ErrInvalidCommand is returned when a command does not fit its actuator.
var ErrInvalidCommand = errors.New("invalid command for actuator")

// ParseActuator validates an actuator name.
func ParseActuator(name string) (Actuator, error) {
	a := Actuator(name)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActuator, name)
	}
	return a, nil
}

// Valid reports whether a is a known actuator.
func (a Actuator) Valid() bool {
	for _, known := range Actuators {
		if a == known {
			return true
		}
	}
	return false
}

// IsShade reports whether a is one of the shade faces.
func (a Actuator) IsShade() bool {
	return a == ActuatorShadesEast || a == ActuatorShadesWest
}

// ShadePosition is the state of a shade face.
type ShadePosition string

const (
	ShadeOpen   ShadePosition = "open"
	ShadeClosed ShadePosition = "closed"
)

// HVACMode is the operating mode of the heat pump.
type HVACMode string

const (
	HVACOff  HVACMode = "off"
	HVACHeat HVACMode = "heat"
	HVACCool HVACMode = "cool"
)

// CommandKind discriminates the Command variant.
type CommandKind string

const (
	CommandPosition CommandKind = "position"
	CommandSwitch   CommandKind = "switch"
	CommandHVAC     CommandKind = "hvac"
)

// Command is a desired actuator state. Exactly one variant is populated,
// selected by Kind: a shade position, an on/off switch, or an HVAC mode
// with setpoint. Commands are comparable with ==.
type Command struct {
	Kind      CommandKind   `json:"kind"`
	Position  ShadePosition `json:"position,omitempty"`
	On        bool          `json:"on,omitempty"`
	Mode      HVACMode      `json:"mode,omitempty"`
	SetpointF float64       `json:"setpoint_f,omitempty"`
}

// ShadeCommand builds a position command.
func ShadeCommand(pos ShadePosition) Command {
	return Command{Kind: CommandPosition, Position: pos}
}

// SwitchCommand builds an on/off command.
func SwitchCommand(on bool) Command {
	return Command{Kind: CommandSwitch, On: on}
}

// HVACCommand builds a mode+setpoint command. The setpoint is dropped when
// the mode is off so that all "off" commands compare equal.
func HVACCommand(mode HVACMode, setpointF float64) Command {
	if mode == HVACOff {
		setpointF = 0
	}
	return Command{Kind: CommandHVAC, Mode: mode, SetpointF: setpointF}
}

// Validate checks that the command variant matches the actuator.
func (c Command) Validate(a Actuator) error {
	switch a {
	case ActuatorShadesEast, ActuatorShadesWest:
		if c.Kind != CommandPosition || (c.Position != ShadeOpen && c.Position != ShadeClosed) {
			return fmt.Errorf("%w: %s needs open|closed", ErrInvalidCommand, a)
		}
	case ActuatorVentilation:
		if c.Kind != CommandSwitch {
			return fmt.Errorf("%w: %s needs on|off", ErrInvalidCommand, a)
		}
	case ActuatorHVAC:
		if c.Kind != CommandHVAC {
			return fmt.Errorf("%w: %s needs a mode", ErrInvalidCommand, a)
		}
		switch c.Mode {
		case HVACOff:
		case HVACHeat, HVACCool:
			if c.SetpointF < 40 || c.SetpointF > 100 {
				return fmt.Errorf("%w: setpoint %.1f°F out of range", ErrInvalidCommand, c.SetpointF)
			}
		default:
			return fmt.Errorf("%w: unknown hvac mode %q", ErrInvalidCommand, c.Mode)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActuator, a)
	}
	return nil
}

// String renders the command for logs and reason strings.
func (c Command) String() string {
	switch c.Kind {
	case CommandPosition:
		return string(c.Position)
	case CommandSwitch:
		if c.On {
			return "on"
		}
		return "off"
	case CommandHVAC:
		if c.Mode == HVACOff {
			return "off"
		}
		return fmt.Sprintf("%s@%.1f°F", c.Mode, c.SetpointF)
	}
	return "unknown"
}

// ParseCommand parses the textual form used by the CLI and the HTTP API:
// "open", "closed", "on", "off", "heat@50", "cool@78".
func ParseCommand(a Actuator, text string) (Command, error) {
	var cmd Command
	switch {
	case a.IsShade():
		cmd = ShadeCommand(ShadePosition(text))
	case a == ActuatorVentilation:
		switch text {
		case "on":
			cmd = SwitchCommand(true)
		case "off":
			cmd = SwitchCommand(false)
		default:
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, text)
		}
	case a == ActuatorHVAC:
		if text == "off" {
			cmd = HVACCommand(HVACOff, 0)
			break
		}
		var mode string
		var sp float64
		if _, err := fmt.Sscanf(text, "%4s@%f", &mode, &sp); err != nil {
			return Command{}, fmt.Errorf("%w: %q (want heat@<F>|cool@<F>|off)", ErrInvalidCommand, text)
		}
		cmd = HVACCommand(HVACMode(mode), sp)
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownActuator, a)
	}
	if err := cmd.Validate(a); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ActuatorState is the confirmed (or hypothetical) state of all actuators.
type ActuatorState struct {
	ShadesEast  ShadePosition `json:"shades_east"`
	ShadesWest  ShadePosition `json:"shades_west"`
	Ventilation bool          `json:"ventilation"`
	HVACMode    HVACMode      `json:"hvac_mode"`
	HVACSetF    float64       `json:"hvac_setpoint_f,omitempty"`
}

// SafeActuatorState is assumed for any actuator whose state cannot be read
// at startup: shades open, ventilation off, HVAC off.
func SafeActuatorState() ActuatorState {
	return ActuatorState{
		ShadesEast:  ShadeOpen,
		ShadesWest:  ShadeOpen,
		Ventilation: false,
		HVACMode:    HVACOff,
	}
}

// Get returns the state of one actuator expressed as a command.
func (s ActuatorState) Get(a Actuator) Command {
	switch a {
	case ActuatorShadesEast:
		return ShadeCommand(s.ShadesEast)
	case ActuatorShadesWest:
		return ShadeCommand(s.ShadesWest)
	case ActuatorVentilation:
		return SwitchCommand(s.Ventilation)
	case ActuatorHVAC:
		return HVACCommand(s.HVACMode, s.HVACSetF)
	}
	return Command{}
}

// With returns a copy of s with one actuator replaced.
func (s ActuatorState) With(a Actuator, c Command) ActuatorState {
	switch a {
	case ActuatorShadesEast:
		s.ShadesEast = c.Position
	case ActuatorShadesWest:
		s.ShadesWest = c.Position
	case ActuatorVentilation:
		s.Ventilation = c.On
	case ActuatorHVAC:
		s.HVACMode = c.Mode
		s.HVACSetF = c.SetpointF
		if c.Mode == HVACOff {
			s.HVACSetF = 0
		}
	}
	return s
}

// ActuatorPlan is a hypothetical actuator configuration held constant over a
// simulation horizon.
type ActuatorPlan struct {
	Name string `json:"name"`
	ActuatorState
}

// NewPlan names an actuator state as a plan.
func NewPlan(name string, state ActuatorState) ActuatorPlan {
	return ActuatorPlan{Name: name, ActuatorState: state}
}
