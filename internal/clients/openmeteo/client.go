// Package openmeteo fetches hourly weather forecasts from the Open-Meteo API.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

const hourlyFields = "temperature_2m,relative_humidity_2m,direct_radiation,diffuse_radiation,wind_speed_10m,weather_code,is_day"

// Client for api.open-meteo.com
type Client struct {
	baseURL   string
	latitude  float64
	longitude float64
	client    *http.Client
	now       func() time.Time
	log       zerolog.Logger
}

// NewClient creates a forecast client for one site. Deadlines come from the
// caller's context.
func NewClient(baseURL string, latitude, longitude float64, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		latitude:  latitude,
		longitude: longitude,
		client:    &http.Client{},
		now:       time.Now,
		log:       log.With().Str("client", "open-meteo").Logger(),
	}
}

type response struct {
	Hourly struct {
		Time             []string   `json:"time"`
		Temperature      []*float64 `json:"temperature_2m"`
		Humidity         []*float64 `json:"relative_humidity_2m"`
		DirectRadiation  []*float64 `json:"direct_radiation"`
		DiffuseRadiation []*float64 `json:"diffuse_radiation"`
		WindSpeed        []*float64 `json:"wind_speed_10m"`
		WeatherCode      []*int     `json:"weather_code"`
		IsDay            []*int     `json:"is_day"`
	} `json:"hourly"`
}

// Fetch returns the hourly forecast starting at the current hour and
// covering at least hours hours.
func (c *Client) Fetch(ctx context.Context, hours int) (domain.Forecast, error) {
	days := int(math.Ceil(float64(hours+1)/24)) + 1
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.longitude, 'f', 4, 64))
	q.Set("hourly", hourlyFields)
	q.Set("temperature_unit", "fahrenheit")
	q.Set("wind_speed_unit", "mph")
	q.Set("forecast_days", strconv.Itoa(min(days, 16)))
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Forecast{}, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Forecast{}, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Forecast{}, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Forecast{}, fmt.Errorf("failed to parse response: %w", err)
	}

	fc, err := c.toForecast(body, hours)
	if err != nil {
		return domain.Forecast{}, err
	}
	c.log.Debug().
		Int("points", len(fc.Points)).
		Time("start", fc.Start).
		Msg("Fetched forecast")
	return fc, nil
}

// toForecast keeps the points from the current hour onward, up to hours
// past it. Radiation is direct plus diffuse.
func (c *Client) toForecast(body response, hours int) (domain.Forecast, error) {
	h := body.Hourly
	n := len(h.Time)
	if n == 0 {
		return domain.Forecast{}, fmt.Errorf("forecast has no hourly data")
	}
	for name, l := range map[string]int{
		"temperature_2m":       len(h.Temperature),
		"relative_humidity_2m": len(h.Humidity),
		"direct_radiation":     len(h.DirectRadiation),
		"diffuse_radiation":    len(h.DiffuseRadiation),
		"wind_speed_10m":       len(h.WindSpeed),
	} {
		if l != n {
			return domain.Forecast{}, fmt.Errorf("forecast field %s has %d values for %d hours", name, l, n)
		}
	}

	now := c.now().UTC()
	current := now.Truncate(time.Hour)
	var (
		start  time.Time
		points []domain.ForecastPoint
	)
	for i, raw := range h.Time {
		at, err := time.ParseInLocation("2006-01-02T15:04", raw, time.UTC)
		if err != nil {
			return domain.Forecast{}, fmt.Errorf("invalid forecast time %q: %w", raw, err)
		}
		if at.Before(current) {
			continue
		}
		if start.IsZero() {
			start = at
		}
		offset := at.Sub(start)
		if offset > time.Duration(hours)*time.Hour {
			break
		}
		if h.Temperature[i] == nil {
			continue
		}
		p := domain.ForecastPoint{
			Offset:        offset,
			TempF:         *h.Temperature[i],
			Humidity:      value(h.Humidity[i]),
			IrradianceWm2: value(h.DirectRadiation[i]) + value(h.DiffuseRadiation[i]),
			WindMph:       value(h.WindSpeed[i]),
		}
		if i < len(h.WeatherCode) && h.WeatherCode[i] != nil {
			p.WeatherCode = *h.WeatherCode[i]
		}
		if i < len(h.IsDay) && h.IsDay[i] != nil {
			p.IsDay = *h.IsDay[i] == 1
		} else {
			p.IsDay = p.IrradianceWm2 > 0
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return domain.Forecast{}, fmt.Errorf("forecast has no points at or after %s", current.Format(time.RFC3339))
	}
	return domain.NewForecast(start, now, domain.ForecastRaw, points), nil
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
