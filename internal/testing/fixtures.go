package testing

import (
	"time"

	"github.com/aristath/canopy/internal/domain"
)

// FixedNow is the reference instant used across tests: a July afternoon.
var FixedNow = time.Date(2026, 7, 15, 15, 0, 0, 0, time.UTC)

// NewSnapshot builds a snapshot with safe actuator defaults.
func NewSnapshot(at time.Time, indoorF, outdoorF, irradiance float64) domain.StateSnapshot {
	return domain.NewStateSnapshot(domain.SnapshotInput{
		Indoor:        domain.IndoorReading{TempF: indoorF, Humidity: 55, ObservedAt: at},
		IndoorSource:  domain.SourceLive,
		Outdoor:       domain.StationReading{TempF: outdoorF, Humidity: 40, IrradianceWm2: irradiance, WindMph: 3, ObservedAt: at},
		OutdoorSource: domain.SourceLive,
		Actuators:     domain.SafeActuatorState(),
		Timestamp:     at,
	})
}

// FlatForecast returns hourly points holding the same conditions.
func FlatForecast(start time.Time, hours int, tempF, irradiance float64) domain.Forecast {
	points := make([]domain.ForecastPoint, 0, hours+1)
	for h := 0; h <= hours; h++ {
		points = append(points, domain.ForecastPoint{
			Offset:        time.Duration(h) * time.Hour,
			TempF:         tempF,
			IrradianceWm2: irradiance,
			Humidity:      40,
			WindMph:       3,
			IsDay:         true,
		})
	}
	return domain.NewForecast(start, start, domain.ForecastRaw, points)
}
