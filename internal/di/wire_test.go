package di

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/internal/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:       t.TempDir(),
		Port:          8080,
		CycleInterval: 5 * time.Minute,
		Retry:         reliability.DefaultConfig(),
		Devices: config.DevicesConfig{
			OpenMeteoURL:   "http://127.0.0.1:1/v1/forecast",
			ShellyVentHost: "192.0.2.10",
		},
		Backup:      config.BackupConfig{Schedule: "0 30 3 * * *"},
		Maintenance: config.MaintenanceConfig{RetainDays: 90, MinFreeBytes: 500 << 20},
		Site:        config.DefaultSite(),
	}
}

func TestWire(t *testing.T) {
	cfg := testConfig(t)

	container, jobs, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, container)
	require.NotNil(t, jobs)
	t.Cleanup(container.Close)

	assert.NotNil(t, container.DB)
	assert.NotNil(t, container.CycleLog)
	assert.NotNil(t, container.HealthTracker)
	assert.NotNil(t, container.RetryFallback)
	assert.NotNil(t, container.Corrector)
	assert.NotNil(t, container.Engine)
	assert.NotNil(t, container.SettingsService)
	assert.NotNil(t, container.OverrideManager)
	assert.NotNil(t, container.Forecasts)

	// optional devices stay unset
	assert.Nil(t, container.Station)
	assert.Nil(t, container.MQTT)
	assert.Nil(t, container.PushCache)
	assert.Nil(t, container.IndoorCloud)
	assert.Nil(t, container.BackupService)

	// only the relay is configured
	require.Len(t, container.Actuators, 1)
	assert.Contains(t, container.Actuators, domain.ActuatorVentilation)

	assert.NotNil(t, jobs.ControlCycle)
	assert.NotNil(t, jobs.AccuracyReport)
	assert.NotNil(t, jobs.Maintenance)
	assert.Len(t, jobs.All(), 3)
}

func TestWire_MissingSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Site = nil

	container, jobs, err := Wire(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, container)
	assert.Nil(t, jobs)
}

func TestWire_EngineUsesStoredSettings(t *testing.T) {
	cfg := testConfig(t)

	container, _, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, container.SettingsService.Set(settings.KeyHighThreshold, 84))
	container.Close()

	container, _, err = Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	assert.Equal(t, 84.0, container.Engine.Settings().HighF)
}

func TestScheduleJobs(t *testing.T) {
	cfg := testConfig(t)
	container, jobs, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	s := scheduler.New(zerolog.Nop())
	require.NoError(t, ScheduleJobs(s, jobs, cfg))

	cfg.Backup.Schedule = "not a schedule"
	assert.Error(t, ScheduleJobs(scheduler.New(zerolog.Nop()), jobs, cfg))
}
