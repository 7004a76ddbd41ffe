package domain

import (
	"context"
	"time"
)

// IndoorSensor reads the indoor temperature/humidity sensor.
type IndoorSensor interface {
	ReadIndoor(ctx context.Context) (IndoorReading, error)
}

// WeatherStation reads the outdoor weather station.
type WeatherStation interface {
	ReadStation(ctx context.Context) (StationReading, error)
}

// ForecastClient fetches a raw forecast covering the next hours.
type ForecastClient interface {
	Fetch(ctx context.Context, hours int) (Forecast, error)
}

// ActuatorDevice is the single capability every actuator adapter exposes:
// read the current state and apply a command. Apply reports whether the
// device confirmed the new state.
type ActuatorDevice interface {
	ReadState(ctx context.Context) (Command, error)
	Apply(ctx context.Context, cmd Command) (bool, error)
}

// AlertSink delivers operator alerts.
type AlertSink interface {
	Notify(ctx context.Context, source, message string, severity Severity) error
}

// OverrideReader is the read side of the override store the decision
// engine consults.
type OverrideReader interface {
	Active(ctx context.Context, actuator Actuator, now time.Time) (*Override, error)
}
