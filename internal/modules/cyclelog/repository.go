package cyclelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/control"
)

// Repository writes and reads the cycle log, command log, heartbeat,
// startups and model accuracy tables.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new cycle log repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "cyclelog").Logger(),
	}
}

// RecordCycle appends the cycle and bumps the heartbeat in one transaction.
// Trajectories are stored at TrajectoryResolution.
func (r *Repository) RecordCycle(ctx context.Context, c Cycle) error {
	state, err := json.Marshal(c.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	raw, err := json.Marshal(c.Forecast.Raw)
	if err != nil {
		return fmt.Errorf("failed to encode raw forecast: %w", err)
	}
	corrected, err := json.Marshal(c.Forecast.Corrected)
	if err != nil {
		return fmt.Errorf("failed to encode corrected forecast: %w", err)
	}
	trajectories := make(map[string]domain.Trajectory, len(c.Decision.Trajectories))
	for name, t := range c.Decision.Trajectories {
		trajectories[name] = t.Downsample(TrajectoryResolution)
	}
	traj, err := json.Marshal(trajectories)
	if err != nil {
		return fmt.Errorf("failed to encode trajectories: %w", err)
	}
	decisions, err := json.Marshal(c.Decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	params, err := json.Marshal(c.ModelParams)
	if err != nil {
		return fmt.Errorf("failed to encode model params: %w", err)
	}

	snap := c.Snapshot
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_log (
				id, started_at, completed_at,
				indoor_temp_f, indoor_humidity, indoor_source,
				outdoor_temp_f, outdoor_humidity, outdoor_source,
				irradiance_wm2, wind_mph, forecast_source, bias_delta_f,
				predicted_peak_f, predicted_trough_f, predicted_next_f,
				state_json, raw_forecast_json, corrected_forecast_json,
				trajectories_json, decisions_json, model_params_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID, c.StartedAt.Unix(), c.CompletedAt.Unix(),
			snap.IndoorTempF(), snap.IndoorHumidity(), string(snap.IndoorSource()),
			snap.OutdoorTempF(), snap.OutdoorHumidity(), string(snap.OutdoorSource()),
			snap.SolarIrradiance(), snap.WindSpeedMph(), string(c.Forecast.Source), c.Forecast.DeltaF(),
			c.Decision.PredictedPeakF, c.Decision.PredictedTroughF, c.PredictedNextF,
			string(state), string(raw), string(corrected),
			string(traj), string(decisions), string(params),
		)
		if err != nil {
			return fmt.Errorf("failed to insert cycle %s: %w", c.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO heartbeat (id, last_cycle_at, last_cycle_id, cycles_completed)
			VALUES (1, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				last_cycle_at = excluded.last_cycle_at,
				last_cycle_id = excluded.last_cycle_id,
				cycles_completed = heartbeat.cycles_completed + 1
		`, c.CompletedAt.Unix(), c.ID)
		if err != nil {
			return fmt.Errorf("failed to update heartbeat: %w", err)
		}
		return nil
	})
}

const summaryColumns = `id, started_at, completed_at,
	indoor_temp_f, indoor_humidity, indoor_source,
	outdoor_temp_f, outdoor_humidity, outdoor_source,
	irradiance_wm2, wind_mph, forecast_source, bias_delta_f,
	predicted_peak_f, predicted_trough_f, predicted_next_f, decisions_json`

// Latest returns the most recent cycle, or nil when none has run.
func (r *Repository) Latest(ctx context.Context) (*CycleSummary, error) {
	rows, err := r.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Recent returns up to limit cycles, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]CycleSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+summaryColumns+` FROM cycle_log
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleSummary
	for rows.Next() {
		var (
			s                     CycleSummary
			started, completed    int64
			indoorSrc, outdoorSrc sql.NullString
			forecastSrc           sql.NullString
			indoorT, indoorH      sql.NullFloat64
			outdoorT, outdoorH    sql.NullFloat64
			irr, wind, bias       sql.NullFloat64
			peak, trough, next    sql.NullFloat64
			decisions             string
		)
		if err := rows.Scan(&s.ID, &started, &completed,
			&indoorT, &indoorH, &indoorSrc,
			&outdoorT, &outdoorH, &outdoorSrc,
			&irr, &wind, &forecastSrc, &bias,
			&peak, &trough, &next, &decisions); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.CompletedAt = time.Unix(completed, 0).UTC()
		s.IndoorTempF, s.IndoorHumidity, s.IndoorSource = indoorT.Float64, indoorH.Float64, indoorSrc.String
		s.OutdoorTempF, s.OutdoorHumidity, s.OutdoorSource = outdoorT.Float64, outdoorH.Float64, outdoorSrc.String
		s.IrradianceWm2, s.WindMph = irr.Float64, wind.Float64
		s.ForecastSource, s.BiasDeltaF = forecastSrc.String, bias.Float64
		s.PredictedPeakF, s.PredictedTroughF, s.PredictedNextF = peak.Float64, trough.Float64, next.Float64

		var decision struct {
			Actions []control.Action `json:"actions"`
		}
		if err := json.Unmarshal([]byte(decisions), &decision); err != nil {
			r.log.Warn().Err(err).Str("cycle_id", s.ID).Msg("Unreadable decisions column")
		}
		s.Actions = decision.Actions
		out = append(out, s)
	}
	return out, rows.Err()
}

// Trajectories returns the logged trajectories of one cycle.
func (r *Repository) Trajectories(ctx context.Context, cycleID string) (map[string]domain.Trajectory, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT trajectories_json FROM cycle_log WHERE id = ?`, cycleID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trajectories for %s: %w", cycleID, err)
	}
	out := map[string]domain.Trajectory{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
			return nil, fmt.Errorf("failed to decode trajectories for %s: %w", cycleID, err)
		}
	}
	return out, nil
}

// RecordCommand appends one attempted actuator command.
func (r *Repository) RecordCommand(ctx context.Context, rec CommandRecord) error {
	cmd, err := json.Marshal(rec.Command)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO actuator_commands (cycle_id, actuator, command_json, reason, confirmed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.CycleID, string(rec.Actuator), string(cmd), rec.Reason, boolToInt(rec.Confirmed), errText, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record command for %s: %w", rec.Actuator, err)
	}
	return nil
}

// Commands returns up to limit commands, newest first. An empty actuator
// returns every actuator.
func (r *Repository) Commands(ctx context.Context, actuator domain.Actuator, limit int) ([]CommandRecord, error) {
	query := `SELECT id, cycle_id, actuator, command_json, reason, confirmed, error, created_at FROM actuator_commands`
	args := []interface{}{}
	if actuator != "" {
		query += ` WHERE actuator = ?`
		args = append(args, string(actuator))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec       CommandRecord
			actuatorS string
			cmd       string
			confirmed int
			errText   sql.NullString
			created   int64
		)
		if err := rows.Scan(&rec.ID, &rec.CycleID, &actuatorS, &cmd, &rec.Reason, &confirmed, &errText, &created); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		if err := json.Unmarshal([]byte(cmd), &rec.Command); err != nil {
			return nil, fmt.Errorf("failed to decode command %d: %w", rec.ID, err)
		}
		rec.Actuator = domain.Actuator(actuatorS)
		rec.Confirmed = confirmed == 1
		rec.Error = errText.String
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastConfirmed returns the most recent confirmed command per actuator. It
// seeds the actuator read fallback after a restart.
func (r *Repository) LastConfirmed(ctx context.Context) (map[domain.Actuator]domain.Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.actuator, c.command_json FROM actuator_commands c
		WHERE c.confirmed = 1 AND c.id = (
			SELECT MAX(id) FROM actuator_commands
			WHERE actuator = c.actuator AND confirmed = 1
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed commands: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Actuator]domain.Command)
	for rows.Next() {
		var actuator, raw string
		if err := rows.Scan(&actuator, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan confirmed command: %w", err)
		}
		var cmd domain.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			r.log.Warn().Err(err).Str("actuator", actuator).Msg("Unreadable confirmed command")
			continue
		}
		out[domain.Actuator(actuator)] = cmd
	}
	return out, rows.Err()
}

// Heartbeat returns the liveness row. The zero value means no cycle has
// completed yet.
func (r *Repository) Heartbeat(ctx context.Context) (Heartbeat, error) {
	var (
		hb   Heartbeat
		last int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT last_cycle_at, last_cycle_id, cycles_completed FROM heartbeat WHERE id = 1
	`).Scan(&last, &hb.LastCycleID, &hb.CyclesCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Heartbeat{}, nil
	}
	if err != nil {
		return Heartbeat{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	hb.LastCycleAt = time.Unix(last, 0).UTC()
	return hb, nil
}

// RecordStartup appends a startup row and returns its id.
func (r *Repository) RecordStartup(ctx context.Context, s Startup) (int64, error) {
	state, err := json.Marshal(s.Actuators)
	if err != nil {
		return 0, fmt.Errorf("failed to encode actuator state: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO startups (started_at, version, actuator_state_json, active_overrides)
		VALUES (?, ?, ?, ?)
	`, s.StartedAt.Unix(), s.Version, string(state), s.ActiveOverrides)
	if err != nil {
		return 0, fmt.Errorf("failed to record startup: %w", err)
	}
	return res.LastInsertId()
}

// Startups returns up to limit startups, newest first.
func (r *Repository) Startups(ctx context.Context, limit int) ([]Startup, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, version, actuator_state_json, active_overrides
		FROM startups ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query startups: %w", err)
	}
	defer rows.Close()

	var out []Startup
	for rows.Next() {
		var (
			s       Startup
			started int64
			version sql.NullString
			state   string
		)
		if err := rows.Scan(&s.ID, &started, &version, &state, &s.ActiveOverrides); err != nil {
			return nil, fmt.Errorf("failed to scan startup: %w", err)
		}
		if err := json.Unmarshal([]byte(state), &s.Actuators); err != nil {
			return nil, fmt.Errorf("failed to decode startup %d actuator state: %w", s.ID, err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.Version = version.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordAccuracy stores one prediction/actual pair.
func (r *Repository) RecordAccuracy(ctx context.Context, s AccuracySample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_accuracy (cycle_id, predicted_at, target_at, predicted_f, actual_f, error_f)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.CycleID, s.PredictedAt.Unix(), s.TargetAt.Unix(), s.PredictedF, s.ActualF, s.ErrorF())
	if err != nil {
		return fmt.Errorf("failed to record accuracy sample: %w", err)
	}
	return nil
}

// AccuracySince summarizes the prediction errors of samples targeted at or
// after since.
func (r *Repository) AccuracySince(ctx context.Context, since time.Time) (AccuracySummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT error_f FROM model_accuracy WHERE target_at >= ? ORDER BY target_at
	`, since.Unix())
	if err != nil {
		return AccuracySummary{}, fmt.Errorf("failed to query accuracy: %w", err)
	}
	defer rows.Close()

	var errs []float64
	for rows.Next() {
		var e float64
		if err := rows.Scan(&e); err != nil {
			return AccuracySummary{}, fmt.Errorf("failed to scan accuracy sample: %w", err)
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return AccuracySummary{}, err
	}
	return Summarize(since, errs), nil
}

// Summarize computes RMSE, mean bias, standard deviation and the largest
// absolute error of errs.
func Summarize(since time.Time, errs []float64) AccuracySummary {
	s := AccuracySummary{Since: since, Samples: len(errs)}
	if len(errs) == 0 {
		return s
	}
	s.BiasF = stat.Mean(errs, nil)
	s.RMSEF = math.Sqrt(floats.Dot(errs, errs) / float64(len(errs)))
	abs := make([]float64, len(errs))
	for i, e := range errs {
		abs[i] = math.Abs(e)
	}
	s.MaxAbsF = floats.Max(abs)
	if len(errs) > 1 {
		s.StdDevF = stat.StdDev(errs, nil)
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
