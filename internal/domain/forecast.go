package domain

import (
	"sort"
	"time"
)

// ForecastKind tags a forecast as fetched or bias-corrected.
type ForecastKind string

const (
	ForecastRaw       ForecastKind = "raw"
	ForecastCorrected ForecastKind = "corrected"
)

// ForecastPoint is one forecast sample, Offset after the forecast start.
type ForecastPoint struct {
	Offset        time.Duration `json:"offset" msgpack:"offset"`
	TempF         float64       `json:"temp_f" msgpack:"temp_f"`
	IrradianceWm2 float64       `json:"irradiance_wm2" msgpack:"irradiance_wm2"`
	Humidity      float64       `json:"humidity" msgpack:"humidity"`
	WindMph       float64       `json:"wind_mph" msgpack:"wind_mph"`
	WeatherCode   int           `json:"weather_code" msgpack:"weather_code"`
	IsDay         bool          `json:"is_day" msgpack:"is_day"`
}

// Forecast is an ordered sequence of forecast points. Raw forecasts are
// replaced wholesale on every successful fetch; corrected forecasts are
// derived per cycle.
type Forecast struct {
	Start      time.Time       `json:"start" msgpack:"start"`
	FetchedAt  time.Time       `json:"fetched_at" msgpack:"fetched_at"`
	Kind       ForecastKind    `json:"kind" msgpack:"kind"`
	Points     []ForecastPoint `json:"points" msgpack:"points"`
	BiasDeltaF float64         `json:"bias_delta_f,omitempty" msgpack:"bias_delta_f"`
}

// NewForecast copies points and orders them by offset.
func NewForecast(start, fetchedAt time.Time, kind ForecastKind, points []ForecastPoint) Forecast {
	ps := make([]ForecastPoint, len(points))
	copy(ps, points)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Offset < ps[j].Offset })
	return Forecast{Start: start, FetchedAt: fetchedAt, Kind: kind, Points: ps}
}

// Empty reports whether the forecast has no points.
func (f Forecast) Empty() bool {
	return len(f.Points) == 0
}

// Clone returns a deep copy.
func (f Forecast) Clone() Forecast {
	c := f
	c.Points = make([]ForecastPoint, len(f.Points))
	copy(c.Points, f.Points)
	return c
}

// TimeAt returns the wall-clock time of point i.
func (f Forecast) TimeAt(i int) time.Time {
	return f.Start.Add(f.Points[i].Offset)
}

// NearestIndex returns the index of the point closest to t, or -1 when the
// forecast is empty.
func (f Forecast) NearestIndex(t time.Time) int {
	if f.Empty() {
		return -1
	}
	best := 0
	bestDiff := absDuration(f.TimeAt(0).Sub(t))
	for i := 1; i < len(f.Points); i++ {
		d := absDuration(f.TimeAt(i).Sub(t))
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// Rebase returns the forecast re-expressed with a new start time. Offsets
// move so that every point keeps its wall-clock time.
func (f Forecast) Rebase(start time.Time) Forecast {
	c := f.Clone()
	shift := f.Start.Sub(start)
	for i := range c.Points {
		c.Points[i].Offset += shift
	}
	c.Start = start
	return c
}

// End returns the time of the last point, or Start when empty.
func (f Forecast) End() time.Time {
	if f.Empty() {
		return f.Start
	}
	return f.TimeAt(len(f.Points) - 1)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
