// Package events provides the controller's event manager and in-process bus.
// Events are logged and fanned out to subscribers such as the websocket stream.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	CycleCompleted      EventType = "CYCLE_COMPLETED"
	ActuatorCommanded   EventType = "ACTUATOR_COMMANDED"
	OverrideChanged     EventType = "OVERRIDE_CHANGED"
	AlertRaised         EventType = "ALERT_RAISED"
	DeviceHealthChanged EventType = "DEVICE_HEALTH_CHANGED"
	SettingsChanged     EventType = "SETTINGS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
