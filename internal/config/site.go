package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/thermal"
	"github.com/aristath/canopy/internal/reliability"
)

// Site describes the greenhouse: where it is, how it behaves thermally, the
// band it must be held in, and who gets alerted when a device goes quiet.
type Site struct {
	Name     string           `yaml:"name"`
	Location Location         `yaml:"location"`
	Model    thermal.Params   `yaml:"model"`
	Control  control.Settings `yaml:"control"`
	Forecast forecast.Config  `yaml:"forecast"`
	Alerts   AlertsConfig     `yaml:"alerts"`
}

// Location is the site's coordinates, used for the forecast request.
type Location struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// AlertsConfig holds the per-device alert policies. Devices missing from
// Devices use Default. ModelRMSEF is the hourly prediction error above
// which the thermal model is reported as drifting; zero disables the check.
type AlertsConfig struct {
	Default        reliability.Policy            `yaml:"default"`
	Devices        map[string]reliability.Policy `yaml:"devices"`
	NotifyRecovery bool                          `yaml:"notify_recovery"`
	ModelRMSEF     float64                       `yaml:"model_rmse_f"`
}

// DefaultSite returns the built-in site used when no site file is given.
func DefaultSite() *Site {
	return &Site{
		Name:     "greenhouse",
		Location: Location{Latitude: 38.58, Longitude: -121.49},
		Model:    thermal.DefaultParams(),
		Control:  control.DefaultSettings(),
		Forecast: forecast.DefaultConfig(),
		Alerts: AlertsConfig{
			Default: reliability.Policy{AlertAfter: time.Hour, Severity: domain.SeverityAlert},
			Devices: map[string]reliability.Policy{
				domain.DeviceOpenMeteo:            {AlertAfter: 5 * time.Hour, Severity: domain.SeverityWarning},
				domain.DeviceShellyHT:             {AlertAfter: 2 * time.Hour, Severity: domain.SeverityAlert},
				domain.DeviceAmbientWeather:       {AlertAfter: 5 * time.Hour, Severity: domain.SeverityWarning},
				string(domain.ActuatorShadesEast):  {AlertAfter: 0, Severity: domain.SeverityAlert},
				string(domain.ActuatorShadesWest):  {AlertAfter: 0, Severity: domain.SeverityAlert},
				string(domain.ActuatorVentilation): {AlertAfter: 0, Severity: domain.SeverityAlert},
				string(domain.ActuatorHVAC):        {AlertAfter: 0, Severity: domain.SeverityCritical},
			},
			NotifyRecovery: true,
			ModelRMSEF:     3,
		},
	}
}

// LoadSite reads the site file at path over the built-in defaults. An empty
// path returns the defaults. Unknown keys are rejected so that a misspelt
// parameter cannot silently fall back to its default.
func LoadSite(path string) (*Site, error) {
	site := DefaultSite()
	if path == "" {
		return site, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(site); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse site file %s: %w", path, err)
	}
	return site, nil
}

// Validate rejects physically implausible parameters and inconsistent
// thresholds. Any error here is fatal at startup.
func (s *Site) Validate() error {
	if s.Location.Latitude < -90 || s.Location.Latitude > 90 {
		return fmt.Errorf("invalid latitude %g", s.Location.Latitude)
	}
	if s.Location.Longitude < -180 || s.Location.Longitude > 180 {
		return fmt.Errorf("invalid longitude %g", s.Location.Longitude)
	}
	if err := s.Model.Validate(); err != nil {
		return err
	}
	if err := s.Control.Validate(); err != nil {
		return err
	}
	if s.Forecast.Hours <= 0 || s.Forecast.Hours > 384 {
		return fmt.Errorf("forecast hours %d outside 1..384", s.Forecast.Hours)
	}
	if hours := int(s.Control.Horizon.Hours()); hours > s.Forecast.Hours {
		return fmt.Errorf("control horizon %s exceeds forecast hours %d", s.Control.Horizon, s.Forecast.Hours)
	}
	if s.Alerts.ModelRMSEF < 0 {
		return fmt.Errorf("alerts.model_rmse_f must not be negative")
	}
	if err := validatePolicy("default", s.Alerts.Default); err != nil {
		return err
	}
	for device, p := range s.Alerts.Devices {
		if err := validatePolicy(device, p); err != nil {
			return err
		}
	}
	return nil
}

// HealthConfig builds the tracker configuration for the given cycle interval.
func (s *Site) HealthConfig(cycleInterval time.Duration) reliability.HealthConfig {
	return reliability.HealthConfig{
		CycleInterval:  cycleInterval,
		Policies:       s.Alerts.Devices,
		Default:        s.Alerts.Default,
		NotifyRecovery: s.Alerts.NotifyRecovery,
	}
}

func validatePolicy(device string, p reliability.Policy) error {
	if p.AlertAfter < 0 {
		return fmt.Errorf("alert policy %s: negative alert delay", device)
	}
	switch p.Severity {
	case domain.SeverityWarning, domain.SeverityAlert, domain.SeverityCritical:
		return nil
	}
	return fmt.Errorf("alert policy %s: unknown severity %q", device, p.Severity)
}
