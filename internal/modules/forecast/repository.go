package forecast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/canopy/internal/domain"
)

// Repository stores raw forecasts as msgpack blobs in forecast_cache.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new forecast cache repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "forecast_cache").Logger(),
	}
}

// Save replaces the cached forecast under name.
func (r *Repository) Save(ctx context.Context, name string, fc domain.Forecast) error {
	payload, err := msgpack.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to encode forecast: %w", err)
	}
	fetched := fc.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO forecast_cache (name, fetched_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			payload = excluded.payload
	`, name, fetched.Unix(), payload)
	if err != nil {
		return fmt.Errorf("failed to save forecast cache %s: %w", name, err)
	}
	return nil
}

// Load returns the cached forecast under name, if any.
func (r *Repository) Load(ctx context.Context, name string) (domain.Forecast, bool, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, "SELECT payload FROM forecast_cache WHERE name = ?", name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Forecast{}, false, nil
	}
	if err != nil {
		return domain.Forecast{}, false, fmt.Errorf("failed to load forecast cache %s: %w", name, err)
	}

	var fc domain.Forecast
	if err := msgpack.Unmarshal(payload, &fc); err != nil {
		r.log.Warn().Err(err).Str("name", name).Msg("Discarding undecodable forecast cache")
		return domain.Forecast{}, false, nil
	}
	return fc, true, nil
}
