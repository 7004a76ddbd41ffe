package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// HealthRepository stores device health in the device_health table.
type HealthRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHealthRepository creates a new device health repository
func NewHealthRepository(db *sql.DB, log zerolog.Logger) *HealthRepository {
	return &HealthRepository{
		db:  db,
		log: log.With().Str("repository", "device_health").Logger(),
	}
}

// LoadAll returns every persisted record.
func (r *HealthRepository) LoadAll(ctx context.Context) ([]domain.DeviceHealth, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device, last_success, consecutive_failures, alert_sent, last_value, updated_at
		FROM device_health
		ORDER BY device
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device health: %w", err)
	}
	defer rows.Close()

	var out []domain.DeviceHealth
	for rows.Next() {
		var (
			rec         domain.DeviceHealth
			lastSuccess sql.NullInt64
			alertSent   int
			updatedAt   int64
		)
		if err := rows.Scan(&rec.Device, &lastSuccess, &rec.ConsecutiveFailures, &alertSent, &rec.LastValue, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device health: %w", err)
		}
		if lastSuccess.Valid {
			rec.LastSuccess = time.Unix(lastSuccess.Int64, 0).UTC()
		}
		rec.AlertSent = alertSent != 0
		rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save upserts one record.
func (r *HealthRepository) Save(ctx context.Context, h domain.DeviceHealth) error {
	var lastSuccess sql.NullInt64
	if !h.LastSuccess.IsZero() {
		lastSuccess = sql.NullInt64{Int64: h.LastSuccess.Unix(), Valid: true}
	}
	updated := h.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_health (device, last_success, consecutive_failures, alert_sent, last_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			last_success = excluded.last_success,
			consecutive_failures = excluded.consecutive_failures,
			alert_sent = excluded.alert_sent,
			last_value = COALESCE(excluded.last_value, device_health.last_value),
			updated_at = excluded.updated_at
	`, h.Device, lastSuccess, h.ConsecutiveFailures, boolToInt(h.AlertSent), h.LastValue, updated.Unix())
	if err != nil {
		return fmt.Errorf("failed to save device health for %s: %w", h.Device, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
