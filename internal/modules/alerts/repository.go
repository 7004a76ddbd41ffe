// Package alerts stores operator alerts and delivers them to the log and the
// event stream.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// ErrAlertNotFound is returned when acknowledging an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// Repository persists alerts in the alerts table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alert repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
	}
}

// Insert stores a new alert and returns it with its id.
func (r *Repository) Insert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (source, severity, message, created_at)
		VALUES (?, ?, ?, ?)
	`, a.Source, string(a.Severity), a.Message, a.CreatedAt.Unix())
	if err != nil {
		return a, fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return a, err
	}
	a.ID = id
	return a, nil
}

// Acknowledge stamps acknowledged_at. Acknowledging twice keeps the first
// timestamp.
func (r *Repository) Acknowledge(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged_at = COALESCE(acknowledged_at, ?) WHERE id = ?
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrAlertNotFound, id)
	}
	return nil
}

// List returns up to limit alerts, newest first. unacknowledgedOnly hides
// acknowledged alerts.
func (r *Repository) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]domain.Alert, error) {
	query := `SELECT id, source, severity, message, created_at, acknowledged_at FROM alerts`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a        domain.Alert
			severity string
			created  int64
			acked    sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Source, &severity, &a.Message, &created, &acked); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = domain.Severity(severity)
		a.CreatedAt = time.Unix(created, 0).UTC()
		if acked.Valid {
			t := time.Unix(acked.Int64, 0).UTC()
			a.AcknowledgedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountUnacknowledged returns the number of open alerts.
func (r *Repository) CountUnacknowledged(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE acknowledged_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}
