package domain

import "time"

// HealthState is the derived availability state of a device.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthAlerting HealthState = "alerting"
)

// Severity grades an operator alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityAlert    Severity = "alert"
	SeverityCritical Severity = "critical"
)

// DeviceHealth is the persisted availability record of one device.
// LastValue holds the msgpack encoding of the last good reading so that a
// fallback survives a restart.
type DeviceHealth struct {
	Device              string    `json:"device"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AlertSent           bool      `json:"alert_sent"`
	LastValue           []byte    `json:"-"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// State derives healthy/degraded/alerting from the counters.
func (h DeviceHealth) State() HealthState {
	switch {
	case h.ConsecutiveFailures == 0:
		return HealthHealthy
	case h.AlertSent:
		return HealthAlerting
	default:
		return HealthDegraded
	}
}

// Alert is an operator notification.
type Alert struct {
	ID             int64      `json:"id"`
	Source         string     `json:"source"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Device identifiers used for health tracking and alert policy. Actuators
// are tracked under their actuator name.
const (
	DeviceOpenMeteo      = "open_meteo"
	DeviceShellyHT       = "shelly_ht"
	DeviceAmbientWeather = "ambient_weather"
)
