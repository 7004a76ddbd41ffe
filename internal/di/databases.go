package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/config"
	"github.com/aristath/canopy/internal/database"
)

// InitializeDatabases opens the controller database and applies the schema.
// Overrides, the cycle log and alerts share one file; the ledger profile
// gives it full fsync on commit.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "canopy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	container.DB = db

	log.Info().Str("path", db.Path()).Msg("Database initialized")
	return container, nil
}
