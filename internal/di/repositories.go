package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/modules/alerts"
	"github.com/aristath/canopy/internal/modules/cyclelog"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/overrides"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/reliability"
)

// InitializeRepositories creates every repository on the container's
// database.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.DB == nil {
		return fmt.Errorf("container database not initialized")
	}
	conn := container.DB.Conn()

	container.OverrideRepo = overrides.NewRepository(conn, log)
	container.SettingsRepo = settings.NewRepository(conn, log)
	container.CycleLog = cyclelog.NewRepository(conn, log)
	container.AlertRepo = alerts.NewRepository(conn, log)
	container.ForecastRepo = forecast.NewRepository(conn, log)
	container.HealthRepo = reliability.NewHealthRepository(conn, log)

	log.Info().Msg("Repositories initialized")
	return nil
}
