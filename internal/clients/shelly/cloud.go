// Package shelly talks to Shelly devices: the H&T indoor sensor (pushed over
// MQTT, or read through the Shelly cloud) and the relay switching the
// ventilation fan (local RPC).
package shelly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// ErrNotConfigured is returned by the cloud client without credentials.
var ErrNotConfigured = errors.New("shelly cloud credentials not configured")

// CloudClient reads the H&T through the Shelly cloud API.
type CloudClient struct {
	server   string
	authKey  string
	deviceID string
	client   *http.Client
	now      func() time.Time
	log      zerolog.Logger
}

// NewCloudClient creates a cloud client for one device.
func NewCloudClient(server, authKey, deviceID string, log zerolog.Logger) *CloudClient {
	return &CloudClient{
		server:   strings.TrimRight(server, "/"),
		authKey:  authKey,
		deviceID: deviceID,
		client:   &http.Client{},
		now:      time.Now,
		log:      log.With().Str("client", "shelly-cloud").Logger(),
	}
}

type componentStatus struct {
	Temperature *struct {
		TF *float64 `json:"tF"`
	} `json:"temperature:0"`
	Humidity *struct {
		RH *float64 `json:"rh"`
	} `json:"humidity:0"`
}

type cloudResponse struct {
	IsOK bool `json:"isok"`
	Data struct {
		DeviceStatus componentStatus `json:"device_status"`
	} `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

// ReadIndoor fetches the device's last reported status from the cloud.
func (c *CloudClient) ReadIndoor(ctx context.Context) (domain.IndoorReading, error) {
	if c.server == "" || c.authKey == "" || c.deviceID == "" {
		return domain.IndoorReading{}, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("id", c.deviceID)
	form.Set("auth_key", c.authKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/device/status", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.IndoorReading{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.IndoorReading{}, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.IndoorReading{}, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var body cloudResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.IndoorReading{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if !body.IsOK {
		return domain.IndoorReading{}, fmt.Errorf("shelly cloud error: %s", string(body.Errors))
	}

	reading, ok := body.Data.DeviceStatus.reading(c.now())
	if !ok {
		return domain.IndoorReading{}, fmt.Errorf("shelly cloud status has no temperature")
	}
	c.log.Debug().Float64("temp_f", reading.TempF).Float64("humidity", reading.Humidity).Msg("Cloud reading")
	return reading, nil
}

// reading converts a status with at least a temperature.
func (s componentStatus) reading(at time.Time) (domain.IndoorReading, bool) {
	if s.Temperature == nil || s.Temperature.TF == nil {
		return domain.IndoorReading{}, false
	}
	r := domain.IndoorReading{
		TempF:      math.Round(*s.Temperature.TF*10) / 10,
		ObservedAt: at,
	}
	if s.Humidity != nil && s.Humidity.RH != nil {
		r.Humidity = *s.Humidity.RH
	}
	return r, true
}
