// Package di wires the controller's dependencies.
package di

import (
	"github.com/aristath/canopy/internal/clients/mqttbridge"
	"github.com/aristath/canopy/internal/clients/shelly"
	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
	"github.com/aristath/canopy/internal/modules/alerts"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/cyclelog"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/overrides"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/modules/thermal"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/internal/scheduler"
)

// Container holds every long-lived dependency of the controller. It is
// built by Wire and read by the server and main.
type Container struct {
	DB *database.DB

	// Repositories
	OverrideRepo *overrides.Repository
	SettingsRepo *settings.Repository
	CycleLog     *cyclelog.Repository
	AlertRepo    *alerts.Repository
	ForecastRepo *forecast.Repository
	HealthRepo   *reliability.HealthRepository

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Reliability
	AlertSink     *alerts.Sink
	HealthTracker *reliability.HealthTracker
	RetryFallback *reliability.RetryFallback
	BackupService *reliability.BackupService // nil when backups are disabled

	// Devices. MQTT and the push cache are nil when no broker is configured.
	MQTT        *mqttbridge.Bridge
	PushCache   *shelly.PushCache
	IndoorCloud *shelly.CloudClient
	Station     domain.WeatherStation
	Forecasts   domain.ForecastClient
	Actuators   map[domain.Actuator]domain.ActuatorDevice

	// Services
	Model           *thermal.Model
	Corrector       *forecast.Corrector
	OverrideManager *overrides.Manager
	SettingsService *settings.Service
	Engine          *control.Engine
}

// JobInstances holds the scheduled jobs.
type JobInstances struct {
	ControlCycle   *scheduler.ControlCycleJob
	AccuracyReport *scheduler.AccuracyReportJob
	Maintenance    *reliability.MaintenanceJob
}

// All returns the jobs as a list, for manual triggering.
func (j *JobInstances) All() []scheduler.Job {
	return []scheduler.Job{j.ControlCycle, j.AccuracyReport, j.Maintenance}
}

// Close releases devices and the database.
func (c *Container) Close() {
	if c.MQTT != nil {
		c.MQTT.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
