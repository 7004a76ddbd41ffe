package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCycleCompletedData tests CycleCompletedData struct
func TestCycleCompletedData(t *testing.T) {
	data := CycleCompletedData{
		CycleID:        "c-1",
		IndoorTempF:    78.5,
		PredictedPeakF: 91.2,
		Plan:           "shaded",
		Commands:       []string{"shades_west=closed"},
	}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"cycle_id":"c-1"`)
	assert.Contains(t, string(jsonData), "91.2")

	var unmarshaled CycleCompletedData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
	assert.Equal(t, CycleCompleted, unmarshaled.EventType())
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, ActuatorCommanded, (&ActuatorCommandedData{}).EventType())
	assert.Equal(t, OverrideChanged, (&OverrideChangedData{}).EventType())
	assert.Equal(t, AlertRaised, (&AlertRaisedData{}).EventType())
	assert.Equal(t, DeviceHealthChanged, (&DeviceHealthChangedData{}).EventType())
	assert.Equal(t, SettingsChanged, (&SettingsChangedData{}).EventType())
	assert.Equal(t, ErrorOccurred, (&ErrorEventData{}).EventType())
}

// TestEventWithData_RoundTrip checks the typed data survives JSON
func TestEventWithData_RoundTrip(t *testing.T) {
	expires := time.Date(2026, 7, 15, 18, 0, 0, 0, time.UTC)
	event := &EventWithData{
		Type:      OverrideChanged,
		Timestamp: time.Date(2026, 7, 15, 16, 0, 0, 0, time.UTC),
		Module:    "overrides",
		Data: &OverrideChangedData{
			Actuator:  "hvac",
			Action:    "set",
			Command:   "cool@78.0°F",
			Source:    "http",
			ExpiresAt: &expires,
		},
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, OverrideChanged, decoded.Type)
	data, ok := decoded.Data.(*OverrideChangedData)
	require.True(t, ok)
	assert.Equal(t, "hvac", data.Actuator)
	require.NotNil(t, data.ExpiresAt)
	assert.True(t, data.ExpiresAt.Equal(expires))
}

func TestEventWithData_UnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := []byte(`{"type":"SOMETHING_NEW","module":"x","timestamp":"2026-07-15T00:00:00Z","data":{"a":1}}`)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("SOMETHING_NEW"), generic.EventType())
	assert.Equal(t, float64(1), generic.Data["a"])
}
