package ambientweather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devicesResponse = `[
  {"macAddress": "AA:BB:CC:00:00:01", "lastData": {"dateutc": 1784127600000, "tempf": 91.2, "humidity": 31, "solarradiation": 812.5, "windspeedmph": 4.5}},
  {"macAddress": "AA:BB:CC:00:00:02", "lastData": {"dateutc": 1784127600000, "tempf": 60.0}}
]`

func serve(t *testing.T, status int, body string) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices", r.URL.Path)
		assert.Equal(t, "api", r.URL.Query().Get("apiKey"))
		assert.Equal(t, "app", r.URL.Query().Get("applicationKey"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestClient_ReadStation(t *testing.T) {
	c := NewClient(serve(t, http.StatusOK, devicesResponse)+"/", "api", "app", "", zerolog.Nop())

	reading, err := c.ReadStation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 91.2, reading.TempF)
	assert.Equal(t, 31.0, reading.Humidity)
	assert.Equal(t, 812.5, reading.IrradianceWm2)
	assert.Equal(t, 4.5, reading.WindMph)
	assert.Equal(t, time.UnixMilli(1784127600000).UTC(), reading.ObservedAt)
}

func TestClient_ReadStationByMAC(t *testing.T) {
	c := NewClient(serve(t, http.StatusOK, devicesResponse), "api", "app", "aa:bb:cc:00:00:02", zerolog.Nop())

	reading, err := c.ReadStation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60.0, reading.TempF)
	assert.Zero(t, reading.IrradianceWm2)
}

func TestClient_ReadStationErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		mac    string
		noData bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "empty account", status: http.StatusOK, body: `[]`, noData: true},
		{name: "unknown mac", status: http.StatusOK, body: devicesResponse, mac: "ff:ff:ff:ff:ff:ff", noData: true},
		{name: "no temperature", status: http.StatusOK, body: `[{"macAddress": "x", "lastData": {"humidity": 20}}]`, noData: true},
		{name: "garbage", status: http.StatusOK, body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(serve(t, tt.status, tt.body), "api", "app", tt.mac, zerolog.Nop())
			_, err := c.ReadStation(context.Background())
			require.Error(t, err)
			if tt.noData {
				assert.ErrorIs(t, err, ErrNoData)
			}
		})
	}
}
