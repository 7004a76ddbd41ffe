package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CycleCompletedData summarizes one control cycle
type CycleCompletedData struct {
	CycleID          string   `json:"cycle_id"`
	IndoorTempF      float64  `json:"indoor_temp_f"`
	OutdoorTempF     float64  `json:"outdoor_temp_f"`
	IndoorSource     string   `json:"indoor_source"`
	OutdoorSource    string   `json:"outdoor_source"`
	ForecastSource   string   `json:"forecast_source"`
	PredictedPeakF   float64  `json:"predicted_peak_f"`
	PredictedTroughF float64  `json:"predicted_trough_f"`
	Plan             string   `json:"plan"`
	Commands         []string `json:"commands,omitempty"`
	DurationMs       int64    `json:"duration_ms"`
}

// EventType returns the event type for CycleCompletedData
func (d *CycleCompletedData) EventType() EventType {
	return CycleCompleted
}

// ActuatorCommandedData describes one command sent to a device
type ActuatorCommandedData struct {
	CycleID   string `json:"cycle_id,omitempty"`
	Actuator  string `json:"actuator"`
	Command   string `json:"command"`
	Reason    string `json:"reason"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// EventType returns the event type for ActuatorCommandedData
func (d *ActuatorCommandedData) EventType() EventType {
	return ActuatorCommanded
}

// OverrideChangedData is emitted when an override is set or cancelled
type OverrideChangedData struct {
	Actuator  string     `json:"actuator"`
	Action    string     `json:"action"` // "set" or "cancelled"
	Command   string     `json:"command,omitempty"`
	Source    string     `json:"source,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// EventType returns the event type for OverrideChangedData
func (d *OverrideChangedData) EventType() EventType {
	return OverrideChanged
}

// AlertRaisedData mirrors a stored operator alert
type AlertRaisedData struct {
	ID       int64  `json:"id"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// EventType returns the event type for AlertRaisedData
func (d *AlertRaisedData) EventType() EventType {
	return AlertRaised
}

// DeviceHealthChangedData is emitted when a device changes health state
type DeviceHealthChangedData struct {
	Device              string     `json:"device"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

// EventType returns the event type for DeviceHealthChangedData
func (d *DeviceHealthChangedData) EventType() EventType {
	return DeviceHealthChanged
}

// SettingsChangedData contains data for SettingsChanged events
type SettingsChangedData struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// EventType returns the event type for SettingsChangedData
func (d *SettingsChangedData) EventType() EventType {
	return SettingsChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case CycleCompleted:
		eventData = &CycleCompletedData{}
	case ActuatorCommanded:
		eventData = &ActuatorCommandedData{}
	case OverrideChanged:
		eventData = &OverrideChangedData{}
	case AlertRaised:
		eventData = &AlertRaisedData{}
	case DeviceHealthChanged:
		eventData = &DeviceHealthChangedData{}
	case SettingsChanged:
		eventData = &SettingsChangedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		eventData = &GenericEventData{Type: aux.Type}
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
