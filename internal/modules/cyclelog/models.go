// Package cyclelog records what every control cycle saw, predicted and did,
// plus the liveness and model-accuracy tables the dashboard reads.
package cyclelog

import (
	"time"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/thermal"
)

// TrajectoryResolution is the spacing of trajectory points kept in the log.
const TrajectoryResolution = 5 * time.Minute

// Cycle is one completed control cycle.
type Cycle struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Snapshot    domain.StateSnapshot
	Forecast    forecast.Result
	Decision    control.Decision
	ModelParams thermal.Params
	// PredictedNextF is the final plan's air temperature one cycle ahead,
	// scored against the next cycle's reading.
	PredictedNextF float64
}

// CycleSummary is the row view of a logged cycle.
type CycleSummary struct {
	ID               string           `json:"id"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      time.Time        `json:"completed_at"`
	IndoorTempF      float64          `json:"indoor_temp_f"`
	IndoorHumidity   float64          `json:"indoor_humidity"`
	IndoorSource     string           `json:"indoor_source"`
	OutdoorTempF     float64          `json:"outdoor_temp_f"`
	OutdoorHumidity  float64          `json:"outdoor_humidity"`
	OutdoorSource    string           `json:"outdoor_source"`
	IrradianceWm2    float64          `json:"irradiance_wm2"`
	WindMph          float64          `json:"wind_mph"`
	ForecastSource   string           `json:"forecast_source"`
	BiasDeltaF       float64          `json:"bias_delta_f"`
	PredictedPeakF   float64          `json:"predicted_peak_f"`
	PredictedTroughF float64          `json:"predicted_trough_f"`
	PredictedNextF   float64          `json:"predicted_next_f"`
	Actions          []control.Action `json:"actions"`
}

// CommandRecord is one actuator command the controller attempted.
type CommandRecord struct {
	ID        int64           `json:"id"`
	CycleID   string          `json:"cycle_id"`
	Actuator  domain.Actuator `json:"actuator"`
	Command   domain.Command  `json:"command"`
	Reason    string          `json:"reason"`
	Confirmed bool            `json:"confirmed"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Heartbeat is the single liveness row.
type Heartbeat struct {
	LastCycleAt     time.Time `json:"last_cycle_at"`
	LastCycleID     string    `json:"last_cycle_id"`
	CyclesCompleted int64     `json:"cycles_completed"`
}

// Age is how long ago the last cycle completed.
func (h Heartbeat) Age(now time.Time) time.Duration {
	if h.LastCycleAt.IsZero() {
		return 0
	}
	return now.Sub(h.LastCycleAt)
}

// Online reports whether the last cycle completed within two intervals.
func (h Heartbeat) Online(now time.Time, interval time.Duration) bool {
	return !h.LastCycleAt.IsZero() && h.Age(now) < 2*interval
}

// Startup is one controller start.
type Startup struct {
	ID              int64                `json:"id"`
	StartedAt       time.Time            `json:"started_at"`
	Version         string               `json:"version"`
	Actuators       domain.ActuatorState `json:"actuators"`
	ActiveOverrides int                  `json:"active_overrides"`
}

// AccuracySample pairs a one-cycle-ahead prediction with the reading that
// arrived.
type AccuracySample struct {
	CycleID     string    `json:"cycle_id"`
	PredictedAt time.Time `json:"predicted_at"`
	TargetAt    time.Time `json:"target_at"`
	PredictedF  float64   `json:"predicted_f"`
	ActualF     float64   `json:"actual_f"`
}

// ErrorF is predicted minus actual.
func (s AccuracySample) ErrorF() float64 { return s.PredictedF - s.ActualF }

// AccuracySummary aggregates samples over a window.
type AccuracySummary struct {
	Since   time.Time `json:"since"`
	Samples int       `json:"samples"`
	RMSEF   float64   `json:"rmse_f"`
	BiasF   float64   `json:"bias_f"`
	MaxAbsF float64   `json:"max_abs_f"`
	StdDevF float64   `json:"std_dev_f"`
}
