// Package config provides configuration management functionality.
//
// Process settings (ports, credentials, device endpoints) come from the
// environment, optionally seeded from a .env file. The greenhouse itself
// (physical parameters, thresholds, alert policies) is described by a YAML
// site file; see Site.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/canopy/internal/reliability"
)

// Config holds application configuration
type Config struct {
	DataDir       string // Base directory for the database and backup staging (always absolute)
	SiteFile      string // Path of the YAML site file; empty means built-in defaults
	LogLevel      string
	LogPretty     bool
	Port          int
	DevMode       bool
	CycleInterval time.Duration
	Retry         reliability.Config
	Devices       DevicesConfig
	MQTT          MQTTConfig
	Backup        BackupConfig
	Maintenance   MaintenanceConfig
	Telemetry     TelemetryConfig
	Site          *Site
}

// DevicesConfig holds the endpoints and credentials of the sensors and
// actuators reached over HTTP.
type DevicesConfig struct {
	OpenMeteoURL string

	// Shelly H&T indoor sensor through the Shelly cloud API
	ShellyCloudURL   string
	ShellyAuthKey    string
	ShellyHTDeviceID string

	// Shelly relay switching the ventilation fan, reached on the LAN
	ShellyVentHost     string
	ShellyVentSwitchID int

	// AmbientWeather outdoor station
	AmbientURL    string
	AmbientAPIKey string
	AmbientAppKey string
	AmbientMAC    string
}

// MQTTConfig configures the broker used for sensor push messages and the
// shade/HVAC bridges.
type MQTTConfig struct {
	Broker         string // e.g. tcp://localhost:1883; empty disables MQTT
	ClientID       string
	Username       string
	Password       string
	HTTopic        string        // Shelly H&T status topic
	PushMaxAge     time.Duration // Older pushed readings are ignored
	ActuatorPrefix string        // Topic prefix of the shade and HVAC bridges
	CommandTimeout time.Duration // How long to wait for a bridge to confirm
}

// BackupConfig configures the nightly database upload.
type BackupConfig struct {
	Enabled         bool
	Schedule        string // cron expression with seconds
	RetentionDays   int
	Endpoint        string // S3-compatible endpoint, e.g. Cloudflare R2; empty for AWS
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// MaintenanceConfig configures the daily housekeeping job.
type MaintenanceConfig struct {
	RetainDays   int
	MinFreeBytes uint64
}

// TelemetryConfig selects the OTLP collector.
type TelemetryConfig struct {
	Endpoint string
	Insecure bool
}

// Load reads configuration from environment variables and the site file
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CANOPY_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "/var/lib/canopy"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	retry := reliability.DefaultConfig()
	cfg := &Config{
		DataDir:       absDataDir,
		SiteFile:      getEnv("CANOPY_MODEL_FILE", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     getEnvAsBool("LOG_PRETTY", false),
		Port:          getEnvAsInt("CANOPY_PORT", 8080),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		CycleInterval: getEnvAsDuration("CYCLE_INTERVAL", 5*time.Minute),
		Retry: reliability.Config{
			ConnectTimeout:  getEnvAsDuration("DEVICE_CONNECT_TIMEOUT", retry.ConnectTimeout),
			ReadTimeout:     getEnvAsDuration("DEVICE_READ_TIMEOUT", retry.ReadTimeout),
			RetryDelay:      getEnvAsDuration("DEVICE_RETRY_DELAY", retry.RetryDelay),
			FallbackTimeout: getEnvAsDuration("DEVICE_FALLBACK_TIMEOUT", retry.FallbackTimeout),
		},
		Devices: DevicesConfig{
			OpenMeteoURL:       getEnv("OPEN_METEO_URL", "https://api.open-meteo.com/v1/forecast"),
			ShellyCloudURL:     getEnv("SHELLY_CLOUD_URL", ""),
			ShellyAuthKey:      getEnv("SHELLY_AUTH_KEY", ""),
			ShellyHTDeviceID:   getEnv("SHELLY_HT_DEVICE_ID", ""),
			ShellyVentHost:     getEnv("SHELLY_VENT_HOST", ""),
			ShellyVentSwitchID: getEnvAsInt("SHELLY_VENT_SWITCH_ID", 0),
			AmbientURL:         getEnv("AMBIENT_URL", "https://rt.ambientweather.net/v1"),
			AmbientAPIKey:      getEnv("AMBIENT_API_KEY", ""),
			AmbientAppKey:      getEnv("AMBIENT_APP_KEY", ""),
			AmbientMAC:         getEnv("AMBIENT_MAC", ""),
		},
		MQTT: MQTTConfig{
			Broker:         getEnv("MQTT_BROKER", ""),
			ClientID:       getEnv("MQTT_CLIENT_ID", "canopy"),
			Username:       getEnv("MQTT_USERNAME", ""),
			Password:       getEnv("MQTT_PASSWORD", ""),
			HTTopic:        getEnv("MQTT_HT_TOPIC", "shellyhtg3-greenhouse/events/rpc"),
			PushMaxAge:     getEnvAsDuration("MQTT_PUSH_MAX_AGE", 10*time.Minute),
			ActuatorPrefix: getEnv("MQTT_ACTUATOR_PREFIX", "greenhouse"),
			CommandTimeout: getEnvAsDuration("MQTT_COMMAND_TIMEOUT", 8*time.Second),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 30 3 * * *"),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
		Maintenance: MaintenanceConfig{
			RetainDays:   getEnvAsInt("LOG_RETAIN_DAYS", 90),
			MinFreeBytes: uint64(getEnvAsInt("DISK_MIN_FREE_MB", 500)) << 20,
		},
		Telemetry: TelemetryConfig{
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure: getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
	}

	site, err := LoadSite(cfg.SiteFile)
	if err != nil {
		return nil, err
	}
	cfg.Site = site

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the path of the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "canopy.db")
}

// Validate checks that the configuration can run a control loop
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CycleInterval < time.Minute {
		return fmt.Errorf("cycle interval %s is shorter than one minute", c.CycleInterval)
	}
	if c.Retry.ConnectTimeout <= 0 || c.Retry.ReadTimeout <= 0 || c.Retry.RetryDelay < 0 || c.Retry.FallbackTimeout < 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	// A cycle reads several devices one after another; a single device
	// call must leave room for the rest.
	worst := 2*(c.Retry.ConnectTimeout+c.Retry.ReadTimeout) + c.Retry.RetryDelay + c.Retry.FallbackTimeout
	if worst*4 > c.CycleInterval {
		return fmt.Errorf("device call bound %s too long for cycle interval %s", worst, c.CycleInterval)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_ENABLED requires S3_BUCKET")
	}
	if c.Site == nil {
		return fmt.Errorf("site configuration missing")
	}
	return c.Site.Validate()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
