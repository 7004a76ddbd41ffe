package domain

import (
	"encoding/json"
	"time"
)

// Source records where a reading came from.
type Source string

const (
	SourceLive        Source = "live"
	SourcePush        Source = "push"
	SourceCached      Source = "cached"
	SourceLastKnown   Source = "last_known"
	SourceForecast    Source = "forecast"
	SourceModel       Source = "model"
	SourcePersistence Source = "persistence"
	SourceDefault     Source = "default"
)

// IndoorReading is one reading of the indoor temperature/humidity sensor.
type IndoorReading struct {
	TempF      float64   `json:"temp_f" msgpack:"temp_f"`
	Humidity   float64   `json:"humidity" msgpack:"humidity"`
	ObservedAt time.Time `json:"observed_at" msgpack:"observed_at"`
}

// StationReading is one reading of the outdoor weather station.
type StationReading struct {
	TempF         float64   `json:"temp_f" msgpack:"temp_f"`
	Humidity      float64   `json:"humidity" msgpack:"humidity"`
	IrradianceWm2 float64   `json:"irradiance_wm2" msgpack:"irradiance_wm2"`
	WindMph       float64   `json:"wind_mph" msgpack:"wind_mph"`
	ObservedAt    time.Time `json:"observed_at" msgpack:"observed_at"`
}

// SnapshotInput carries the values a StateSnapshot is built from.
type SnapshotInput struct {
	Indoor        IndoorReading
	IndoorSource  Source
	Outdoor       StationReading
	OutdoorSource Source
	Actuators     ActuatorState
	Timestamp     time.Time
}

// StateSnapshot is the immutable, point-in-time view of the building the
// controller decides on. It is built once per cycle and only read after that;
// WithActuators returns a new value.
type StateSnapshot struct {
	in SnapshotInput
}

// NewStateSnapshot builds a snapshot. A zero timestamp defaults to the
// indoor observation time.
func NewStateSnapshot(in SnapshotInput) StateSnapshot {
	if in.Timestamp.IsZero() {
		in.Timestamp = in.Indoor.ObservedAt
	}
	return StateSnapshot{in: in}
}

func (s StateSnapshot) IndoorTempF() float64 { return s.in.Indoor.TempF }
func (s StateSnapshot) IndoorHumidity() float64 { return s.in.Indoor.Humidity }
func (s StateSnapshot) OutdoorTempF() float64 { return s.in.Outdoor.TempF }
func (s StateSnapshot) OutdoorHumidity() float64 { return s.in.Outdoor.Humidity }
func (s StateSnapshot) SolarIrradiance() float64 { return s.in.Outdoor.IrradianceWm2 }
func (s StateSnapshot) WindSpeedMph() float64 { return s.in.Outdoor.WindMph }
func (s StateSnapshot) Actuators() ActuatorState { return s.in.Actuators }
func (s StateSnapshot) Timestamp() time.Time { return s.in.Timestamp }
func (s StateSnapshot) IndoorSource() Source { return s.in.IndoorSource }
func (s StateSnapshot) OutdoorSource() Source { return s.in.OutdoorSource }
func (s StateSnapshot) Indoor() IndoorReading { return s.in.Indoor }
func (s StateSnapshot) Outdoor() StationReading { return s.in.Outdoor }

// WithActuators returns a copy of the snapshot with a different actuator state.
func (s StateSnapshot) WithActuators(a ActuatorState) StateSnapshot {
	in := s.in
	in.Actuators = a
	return StateSnapshot{in: in}
}

type snapshotJSON struct {
	Timestamp     time.Time      `json:"timestamp"`
	Indoor        IndoorReading  `json:"indoor"`
	IndoorSource  Source         `json:"indoor_source"`
	Outdoor       StationReading `json:"outdoor"`
	OutdoorSource Source         `json:"outdoor_source"`
	Actuators     ActuatorState  `json:"actuators"`
}

// MarshalJSON exposes the snapshot for the cycle log and the HTTP API.
func (s StateSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Timestamp:     s.in.Timestamp,
		Indoor:        s.in.Indoor,
		IndoorSource:  s.in.IndoorSource,
		Outdoor:       s.in.Outdoor,
		OutdoorSource: s.in.OutdoorSource,
		Actuators:     s.in.Actuators,
	})
}
