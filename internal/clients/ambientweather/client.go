// Package ambientweather reads the outdoor station through the
// AmbientWeather.net REST API.
package ambientweather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// ErrNoData is returned when the account has no matching station data.
var ErrNoData = errors.New("no station data")

// Client for rt.ambientweather.net
type Client struct {
	baseURL string
	apiKey  string
	appKey  string
	mac     string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a station client. mac selects one station when the
// account has several; empty uses the first.
func NewClient(baseURL, apiKey, appKey, mac string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		appKey:  appKey,
		mac:     strings.ToLower(mac),
		client:  &http.Client{},
		log:     log.With().Str("client", "ambientweather").Logger(),
	}
}

type device struct {
	MacAddress string   `json:"macAddress"`
	LastData   lastData `json:"lastData"`
}

type lastData struct {
	DateUTC        int64    `json:"dateutc"`
	TempF          *float64 `json:"tempf"`
	Humidity       *float64 `json:"humidity"`
	SolarRadiation *float64 `json:"solarradiation"`
	WindSpeedMph   *float64 `json:"windspeedmph"`
}

// ReadStation returns the station's most recent observation.
func (c *Client) ReadStation(ctx context.Context) (domain.StationReading, error) {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("applicationKey", c.appKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/devices?"+q.Encode(), nil)
	if err != nil {
		return domain.StationReading{}, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.StationReading{}, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.StationReading{}, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var devices []device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return domain.StationReading{}, fmt.Errorf("failed to parse response: %w", err)
	}

	d, ok := c.pick(devices)
	if !ok {
		return domain.StationReading{}, ErrNoData
	}
	data := d.LastData
	if data.TempF == nil {
		return domain.StationReading{}, fmt.Errorf("%w: station %s reported no temperature", ErrNoData, d.MacAddress)
	}

	reading := domain.StationReading{
		TempF:         *data.TempF,
		Humidity:      deref(data.Humidity),
		IrradianceWm2: deref(data.SolarRadiation),
		WindMph:       deref(data.WindSpeedMph),
		ObservedAt:    time.UnixMilli(data.DateUTC).UTC(),
	}
	c.log.Debug().
		Float64("temp_f", reading.TempF).
		Float64("irradiance", reading.IrradianceWm2).
		Time("observed_at", reading.ObservedAt).
		Msg("Station reading")
	return reading, nil
}

func (c *Client) pick(devices []device) (device, bool) {
	for _, d := range devices {
		if c.mac == "" || strings.ToLower(d.MacAddress) == c.mac {
			return d, true
		}
	}
	return device{}, false
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
