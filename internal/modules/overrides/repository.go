package overrides

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/domain"
)

// Repository persists overrides in the overrides table. The table is the
// only source of truth: the HTTP surface, the CLI and the control loop may
// run in different processes and meet here.
//
// At most one row per actuator is open (neither superseded nor cancelled);
// a partial unique index enforces it and Insert supersedes the previous open
// row in the same transaction.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new override repository.
//
// Parameters:
//   - db: Connection to the canopy database
//   - log: Structured logger
//
// Returns:
//   - *Repository: Initialized repository instance
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "overrides").Logger(),
	}
}

const overrideColumns = `id, actuator, command_json, created_at, expires_at, source, superseded_at, cancelled_at, applied_at`

// Insert supersedes any open override for o.Actuator and stores o.
//
// Parameters:
//   - ctx: Request context
//   - o: The new override; SupersededAt/CancelledAt must be nil
//
// Returns:
//   - error: Error if the transaction fails
func (r *Repository) Insert(ctx context.Context, o domain.Override) error {
	cmd, err := json.Marshal(o.Command)
	if err != nil {
		return fmt.Errorf("failed to encode override command: %w", err)
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE overrides SET superseded_at = ?
			WHERE actuator = ? AND superseded_at IS NULL AND cancelled_at IS NULL
		`, o.CreatedAt.Unix(), string(o.Actuator))
		if err != nil {
			return fmt.Errorf("failed to supersede override for %s: %w", o.Actuator, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.log.Debug().Str("actuator", string(o.Actuator)).Msg("Previous override superseded")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO overrides (id, actuator, command_json, created_at, expires_at, source)
			VALUES (?, ?, ?, ?, ?, ?)
		`, o.ID, string(o.Actuator), string(cmd), o.CreatedAt.Unix(), o.ExpiresAt.Unix(), o.Source)
		if err != nil {
			return fmt.Errorf("failed to insert override for %s: %w", o.Actuator, err)
		}
		return nil
	})
}

// Cancel stamps cancelled_at on the open, unexpired override of actuator.
// It reports whether a row was cancelled.
func (r *Repository) Cancel(ctx context.Context, actuator domain.Actuator, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE overrides SET cancelled_at = ?
		WHERE actuator = ? AND superseded_at IS NULL AND cancelled_at IS NULL AND expires_at > ?
	`, at.Unix(), string(actuator), at.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to cancel override for %s: %w", actuator, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkApplied stamps applied_at on override id. A row already stamped keeps
// its first stamp.
func (r *Repository) MarkApplied(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE overrides SET applied_at = ? WHERE id = ? AND applied_at IS NULL
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark override %s applied: %w", id, err)
	}
	return nil
}

// Open returns the open override row for actuator, expired or not. Returns
// nil when there is none.
func (r *Repository) Open(ctx context.Context, actuator domain.Actuator) (*domain.Override, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+overrideColumns+` FROM overrides
		WHERE actuator = ? AND superseded_at IS NULL AND cancelled_at IS NULL
	`, string(actuator))

	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override for %s: %w", actuator, err)
	}
	return &o, nil
}

// ListOpen returns every open row, ordered by actuator.
func (r *Repository) ListOpen(ctx context.Context) ([]domain.Override, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+overrideColumns+` FROM overrides
		WHERE superseded_at IS NULL AND cancelled_at IS NULL
		ORDER BY actuator
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// History returns the latest overrides for actuator, newest first. An empty
// actuator returns history across all actuators.
func (r *Repository) History(ctx context.Context, actuator domain.Actuator, limit int) ([]domain.Override, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + overrideColumns + ` FROM overrides`
	args := []interface{}{}
	if actuator != "" {
		query += ` WHERE actuator = ?`
		args = append(args, string(actuator))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query override history: %w", err)
	}
	defer rows.Close()
	return scanOverrides(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOverride(s scanner) (domain.Override, error) {
	var (
		o                     domain.Override
		actuator, cmdJSON     string
		createdAt, expiresAt  int64
		supersededAt, cancelA sql.NullInt64
		appliedAt             sql.NullInt64
	)
	if err := s.Scan(&o.ID, &actuator, &cmdJSON, &createdAt, &expiresAt, &o.Source, &supersededAt, &cancelA, &appliedAt); err != nil {
		return domain.Override{}, err
	}
	if err := json.Unmarshal([]byte(cmdJSON), &o.Command); err != nil {
		return domain.Override{}, fmt.Errorf("corrupt override command %s: %w", o.ID, err)
	}
	o.Actuator = domain.Actuator(actuator)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	o.SupersededAt = nullTime(supersededAt)
	o.CancelledAt = nullTime(cancelA)
	o.AppliedAt = nullTime(appliedAt)
	return o, nil
}

func scanOverrides(rows *sql.Rows) ([]domain.Override, error) {
	var out []domain.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
