package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/clients/ambientweather"
	"github.com/aristath/canopy/internal/clients/mqttbridge"
	"github.com/aristath/canopy/internal/clients/openmeteo"
	"github.com/aristath/canopy/internal/clients/shelly"
	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
	"github.com/aristath/canopy/internal/modules/alerts"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/overrides"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/modules/thermal"
	"github.com/aristath/canopy/internal/reliability"
)

// mqttConnectTimeout bounds the wait for the broker at startup. The client
// keeps retrying afterwards.
const mqttConnectTimeout = 10 * time.Second

// InitializeServices creates all services and device adapters and stores
// them in the container. Services are created in dependency order.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	if cfg.Site == nil {
		return fmt.Errorf("site configuration missing")
	}
	site := cfg.Site

	// ==========================================
	// STEP 1: Events and alerting
	// ==========================================
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	container.AlertSink = alerts.NewSink(container.AlertRepo, container.EventManager, log)

	// ==========================================
	// STEP 2: Reliability
	// ==========================================
	container.HealthTracker = reliability.NewHealthTracker(site.HealthConfig(cfg.CycleInterval), container.HealthRepo, container.AlertSink, log)
	em := container.EventManager
	container.HealthTracker.OnChange(func(h domain.DeviceHealth) {
		data := &events.DeviceHealthChangedData{
			Device:              h.Device,
			State:               string(h.State()),
			ConsecutiveFailures: h.ConsecutiveFailures,
		}
		if !h.LastSuccess.IsZero() {
			last := h.LastSuccess
			data.LastSuccess = &last
		}
		em.EmitTyped("reliability", data)
	})
	container.RetryFallback = reliability.NewRetryFallback(cfg.Retry, container.HealthTracker, log)

	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			Bucket:          cfg.Backup.Bucket,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.BackupService = reliability.NewBackupService(container.DB, store,
			filepath.Join(cfg.DataDir, "backups"), cfg.Backup.RetentionDays, log)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Backups enabled")
	}

	// ==========================================
	// STEP 3: Sensors
	// ==========================================
	container.Forecasts = openmeteo.NewClient(cfg.Devices.OpenMeteoURL, site.Location.Latitude, site.Location.Longitude, log)

	if cfg.Devices.AmbientAPIKey != "" {
		container.Station = ambientweather.NewClient(cfg.Devices.AmbientURL, cfg.Devices.AmbientAPIKey,
			cfg.Devices.AmbientAppKey, cfg.Devices.AmbientMAC, log)
	} else {
		log.Warn().Msg("No weather station configured, forecast will not be bias-corrected")
	}

	if cfg.Devices.ShellyCloudURL != "" {
		container.IndoorCloud = shelly.NewCloudClient(cfg.Devices.ShellyCloudURL, cfg.Devices.ShellyAuthKey,
			cfg.Devices.ShellyHTDeviceID, log)
	}

	// ==========================================
	// STEP 4: MQTT and actuators
	// ==========================================
	container.Actuators = make(map[domain.Actuator]domain.ActuatorDevice)

	if cfg.MQTT.Broker != "" {
		if err := initializeMQTT(ctx, container, cfg, log); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("MQTT broker not configured, shades and HVAC are uncontrolled")
	}

	if cfg.Devices.ShellyVentHost != "" {
		container.Actuators[domain.ActuatorVentilation] = shelly.NewRelay(cfg.Devices.ShellyVentHost, cfg.Devices.ShellyVentSwitchID, log)
	}

	if container.PushCache == nil && container.IndoorCloud == nil {
		log.Warn().Msg("No indoor sensor configured, indoor temperature will be modelled")
	}
	for _, a := range domain.Actuators {
		if _, ok := container.Actuators[a]; !ok {
			log.Warn().Str("actuator", string(a)).Msg("No device configured for actuator")
		}
	}

	// ==========================================
	// STEP 5: Model, forecast and decisions
	// ==========================================
	model, err := thermal.NewModel(site.Model)
	if err != nil {
		return fmt.Errorf("failed to create thermal model: %w", err)
	}
	container.Model = model

	container.Corrector = forecast.NewCorrector(container.Forecasts, container.RetryFallback, container.ForecastRepo, site.Forecast, log)
	container.OverrideManager = overrides.NewManager(container.OverrideRepo, container.EventManager, log)
	container.SettingsService = settings.NewService(container.SettingsRepo, site.Control, container.EventManager, log)

	// Start the engine on the stored settings so that a restart does not
	// run one cycle on file values.
	current, err := container.SettingsService.Current()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored settings, using site file values")
		current = site.Control
	}
	engine, err := control.NewEngine(container.Model, container.OverrideManager, current, log)
	if err != nil {
		return fmt.Errorf("failed to create decision engine: %w", err)
	}
	container.Engine = engine

	log.Info().
		Int("actuators", len(container.Actuators)).
		Bool("station", container.Station != nil).
		Bool("mqtt", container.MQTT != nil).
		Msg("Services initialized")
	return nil
}

// initializeMQTT connects the broker, subscribes the H&T push cache and
// creates the bridged actuators. Ventilation goes through MQTT only when no
// Shelly relay host is configured.
func initializeMQTT(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	bridge := mqttbridge.New(mqttbridge.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}, log)
	container.MQTT = bridge

	connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	defer cancel()
	if err := bridge.Connect(connectCtx); err != nil {
		log.Warn().Err(err).Msg("MQTT broker unreachable at startup, retrying in background")
	}

	container.PushCache = shelly.NewPushCache(cfg.MQTT.PushMaxAge, log)
	if err := container.PushCache.Start(ctx, bridge, cfg.MQTT.HTTopic); err != nil {
		log.Warn().Err(err).Str("topic", cfg.MQTT.HTTopic).Msg("Failed to subscribe to H&T topic")
	}

	bridged := []domain.Actuator{domain.ActuatorShadesEast, domain.ActuatorShadesWest, domain.ActuatorHVAC}
	if cfg.Devices.ShellyVentHost == "" {
		bridged = append(bridged, domain.ActuatorVentilation)
	}
	for _, a := range bridged {
		act, err := mqttbridge.NewActuator(ctx, bridge, cfg.MQTT.ActuatorPrefix, a, cfg.MQTT.CommandTimeout, log)
		if err != nil {
			return fmt.Errorf("failed to create %s actuator: %w", a, err)
		}
		container.Actuators[a] = act
	}
	return nil
}
