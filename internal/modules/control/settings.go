package control

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid control settings")

// Settings are the thresholds and tuning constants of the decision rules.
// Temperatures are °F.
type Settings struct {
	HighF float64 `yaml:"high_threshold_f" json:"high_threshold_f"`
	LowF  float64 `yaml:"low_threshold_f" json:"low_threshold_f"`
	// DeadBandF is how far inside the band a prediction must sit before an
	// engaged actuator is released.
	DeadBandF float64 `yaml:"dead_band_f" json:"dead_band_f"`
	// LookAhead is the window excursions are checked in.
	LookAhead time.Duration `yaml:"look_ahead" json:"look_ahead"`
	// Horizon is how far each plan is simulated.
	Horizon time.Duration `yaml:"horizon" json:"horizon"`
	// MinExceedSteps is the number of consecutive simulation steps a
	// prediction must stay outside the band to count as an excursion.
	MinExceedSteps int `yaml:"min_exceed_steps" json:"min_exceed_steps"`

	CoolSetpointF float64 `yaml:"cool_setpoint_f" json:"cool_setpoint_f"`
	HeatSetpointF float64 `yaml:"heat_setpoint_f" json:"heat_setpoint_f"`

	// FreeCoolingMarginF is how far below HighF outdoor air must be for
	// ventilation to help.
	FreeCoolingMarginF float64 `yaml:"free_cooling_margin_f" json:"free_cooling_margin_f"`
	VentMaxHumidity    float64 `yaml:"vent_max_humidity" json:"vent_max_humidity"`

	// SunsetLead reopens shades this long before sunset when nothing is
	// predicted to exceed.
	SunsetLead time.Duration `yaml:"sunset_lead" json:"sunset_lead"`
}

// DefaultSettings returns the thresholds used when the site file has none.
func DefaultSettings() Settings {
	return Settings{
		HighF:              85,
		LowF:               45,
		DeadBandF:          2,
		LookAhead:          2 * time.Hour,
		Horizon:            6 * time.Hour,
		MinExceedSteps:     2,
		CoolSetpointF:      82,
		HeatSetpointF:      50,
		FreeCoolingMarginF: 5,
		VentMaxHumidity:    85,
		SunsetLead:         30 * time.Minute,
	}
}

// Validate rejects inconsistent thresholds.
func (s Settings) Validate() error {
	switch {
	case s.LowF >= s.HighF:
		return fmt.Errorf("%w: low threshold %.1f must be below high threshold %.1f", ErrInvalidSettings, s.LowF, s.HighF)
	case s.DeadBandF < 0 || s.DeadBandF*2 >= s.HighF-s.LowF:
		return fmt.Errorf("%w: dead band %.1f does not fit the band", ErrInvalidSettings, s.DeadBandF)
	case s.LookAhead <= 0:
		return fmt.Errorf("%w: look_ahead must be positive", ErrInvalidSettings)
	case s.Horizon < s.LookAhead:
		return fmt.Errorf("%w: horizon %s shorter than look_ahead %s", ErrInvalidSettings, s.Horizon, s.LookAhead)
	case s.MinExceedSteps < 1:
		return fmt.Errorf("%w: min_exceed_steps must be at least 1", ErrInvalidSettings)
	case s.CoolSetpointF < 40 || s.CoolSetpointF > 100:
		return fmt.Errorf("%w: cool setpoint %.1f out of range", ErrInvalidSettings, s.CoolSetpointF)
	case s.HeatSetpointF < 40 || s.HeatSetpointF > 100:
		return fmt.Errorf("%w: heat setpoint %.1f out of range", ErrInvalidSettings, s.HeatSetpointF)
	case s.HeatSetpointF >= s.CoolSetpointF:
		return fmt.Errorf("%w: heat setpoint %.1f must be below cool setpoint %.1f", ErrInvalidSettings, s.HeatSetpointF, s.CoolSetpointF)
	case s.FreeCoolingMarginF < 0:
		return fmt.Errorf("%w: free_cooling_margin_f must not be negative", ErrInvalidSettings)
	case s.VentMaxHumidity <= 0 || s.VentMaxHumidity > 100:
		return fmt.Errorf("%w: vent_max_humidity must be in (0, 100]", ErrInvalidSettings)
	case s.SunsetLead < 0:
		return fmt.Errorf("%w: sunset_lead must not be negative", ErrInvalidSettings)
	}
	return nil
}
