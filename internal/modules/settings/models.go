package settings

import "github.com/aristath/canopy/internal/modules/control"

// Runtime-tunable keys. Each one shadows the matching field of the site
// file's control section while it is present in the settings table.
const (
	KeyHighThreshold     = "high_threshold_f"
	KeyLowThreshold      = "low_threshold_f"
	KeyDeadBand          = "dead_band_f"
	KeyCoolSetpoint      = "cool_setpoint_f"
	KeyHeatSetpoint      = "heat_setpoint_f"
	KeyFreeCoolingMargin = "free_cooling_margin_f"
	KeyVentMaxHumidity   = "vent_max_humidity"
)

// SettingDescriptions documents every tunable key.
var SettingDescriptions = map[string]string{
	KeyHighThreshold:     "Indoor temperature (°F) the controller keeps the greenhouse below",
	KeyLowThreshold:      "Indoor temperature (°F) the controller keeps the greenhouse above",
	KeyDeadBand:          "Margin (°F) inside the band before an engaged actuator is released",
	KeyCoolSetpoint:      "HVAC setpoint (°F) when cooling",
	KeyHeatSetpoint:      "HVAC setpoint (°F) when heating",
	KeyFreeCoolingMargin: "How far (°F) below the high threshold outdoor air must be to ventilate",
	KeyVentMaxHumidity:   "Outdoor relative humidity (%) above which ventilation is not used",
}

// field maps a key to its control.Settings field.
type field struct {
	get func(control.Settings) float64
	set func(*control.Settings, float64)
}

var fields = map[string]field{
	KeyHighThreshold: {
		get: func(s control.Settings) float64 { return s.HighF },
		set: func(s *control.Settings, v float64) { s.HighF = v },
	},
	KeyLowThreshold: {
		get: func(s control.Settings) float64 { return s.LowF },
		set: func(s *control.Settings, v float64) { s.LowF = v },
	},
	KeyDeadBand: {
		get: func(s control.Settings) float64 { return s.DeadBandF },
		set: func(s *control.Settings, v float64) { s.DeadBandF = v },
	},
	KeyCoolSetpoint: {
		get: func(s control.Settings) float64 { return s.CoolSetpointF },
		set: func(s *control.Settings, v float64) { s.CoolSetpointF = v },
	},
	KeyHeatSetpoint: {
		get: func(s control.Settings) float64 { return s.HeatSetpointF },
		set: func(s *control.Settings, v float64) { s.HeatSetpointF = v },
	},
	KeyFreeCoolingMargin: {
		get: func(s control.Settings) float64 { return s.FreeCoolingMarginF },
		set: func(s *control.Settings, v float64) { s.FreeCoolingMarginF = v },
	},
	KeyVentMaxHumidity: {
		get: func(s control.Settings) float64 { return s.VentMaxHumidity },
		set: func(s *control.Settings, v float64) { s.VentMaxHumidity = v },
	},
}

// Setting is one tunable value as reported to clients.
type Setting struct {
	Key         string  `json:"key"`
	Value       float64 `json:"value"`
	FileValue   float64 `json:"file_value"`
	Overridden  bool    `json:"overridden"`
	Description string  `json:"description"`
}

// SettingUpdate is the body of a settings update request.
type SettingUpdate struct {
	Value float64 `json:"value"`
}
