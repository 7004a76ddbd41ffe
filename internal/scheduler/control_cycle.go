package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/cyclelog"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/settings"
	"github.com/aristath/canopy/internal/modules/thermal"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/internal/telemetry"
)

var errUnconfirmed = errors.New("device did not confirm the command")

// IndoorSource is one named way of reading the indoor sensor, tried in
// order: typically the MQTT push cache, then the Shelly cloud.
type IndoorSource struct {
	Name   domain.Source
	Sensor domain.IndoorSensor
}

// ControlCycleConfig holds the collaborators of the control cycle.
type ControlCycleConfig struct {
	Log      zerolog.Logger
	Interval time.Duration

	Retry     *reliability.RetryFallback
	Corrector *forecast.Corrector
	Model     *thermal.Model
	Engine    *control.Engine
	Overrides OverrideLister
	CycleLog  *cyclelog.Repository
	Settings  *settings.Service // optional
	Alerts    domain.AlertSink  // optional
	Events    *events.Manager   // optional

	Indoor    []IndoorSource
	Station   domain.WeatherStation // optional
	Actuators map[domain.Actuator]domain.ActuatorDevice
}

// OverrideLister lists overrides in force and records when one reached its
// device.
type OverrideLister interface {
	ListActive(ctx context.Context, now time.Time) ([]domain.Override, error)
	MarkApplied(ctx context.Context, id string) error
}

// prediction is the previous cycle's forecast of the indoor temperature one
// interval ahead.
type prediction struct {
	cycleID string
	madeAt  time.Time
	target  time.Time
	tempF   float64
}

// ControlCycleJob is one pass of sense, predict, decide and act. Device
// failures never fail the cycle; only failing to log it does.
type ControlCycleJob struct {
	cfg ControlCycleConfig
	log zerolog.Logger
	now func() time.Time

	tracer   trace.Tracer
	duration metric.Float64Histogram
	commands metric.Int64Counter

	// mu serializes cycles and guards the fields below.
	mu        sync.Mutex
	confirmed domain.ActuatorState
	last      *prediction
}

// NewControlCycleJob creates the control cycle job. The confirmed actuator
// state starts safe until Bootstrap seeds it.
func NewControlCycleJob(cfg ControlCycleConfig) *ControlCycleJob {
	meter := telemetry.Meter("github.com/aristath/canopy/scheduler")
	duration, _ := meter.Float64Histogram("canopy.cycle.duration",
		metric.WithDescription("Control cycle wall time"),
		metric.WithUnit("s"))
	commands, _ := meter.Int64Counter("canopy.actuator.commands",
		metric.WithDescription("Actuator commands sent"))

	return &ControlCycleJob{
		cfg:       cfg,
		log:       cfg.Log.With().Str("job", "control_cycle").Logger(),
		now:       time.Now,
		tracer:    telemetry.Tracer("github.com/aristath/canopy/scheduler"),
		duration:  duration,
		commands:  commands,
		confirmed: domain.SafeActuatorState(),
	}
}

// Name returns the job name
func (j *ControlCycleJob) Name() string {
	return "control_cycle"
}

// Run executes one cycle bounded by the cycle interval.
func (j *ControlCycleJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Interval)
	defer cancel()
	_, err := j.RunCycle(ctx)
	return err
}

// Confirmed returns the last confirmed actuator state.
func (j *ControlCycleJob) Confirmed() domain.ActuatorState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.confirmed
}

// SeedConfirmed replaces the confirmed actuator state. Bootstrap calls it
// before the first cycle.
func (j *ControlCycleJob) SeedConfirmed(state domain.ActuatorState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.confirmed = state
}

// RunCycle runs one cycle and returns what was logged.
func (j *ControlCycleJob) RunCycle(ctx context.Context) (cycle cyclelog.Cycle, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := j.now()
	cycle.ID = uuid.NewString()
	cycle.StartedAt = start
	log := j.log.With().Str("cycle_id", cycle.ID).Logger()

	ctx, span := j.tracer.Start(ctx, "control_cycle", trace.WithAttributes(attribute.String("cycle_id", cycle.ID)))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Control cycle panicked")
			err = fmt.Errorf("control cycle panicked: %v", p)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	indoor, outdoor, actuators := j.sense(ctx, start)
	snap := domain.NewStateSnapshot(domain.SnapshotInput{
		Indoor:        indoor.Value,
		IndoorSource:  indoor.Source,
		Outdoor:       outdoor.Value,
		OutdoorSource: outdoor.Source,
		Actuators:     actuators,
		Timestamp:     start,
	})
	cycle.Snapshot = snap

	var station *domain.StationReading
	if outdoor.Source == domain.SourceLive {
		s := outdoor.Value
		station = &s
	}
	cycle.Forecast = j.cfg.Corrector.Correct(ctx, station, start)

	j.applySettings(log)
	decision := j.cfg.Engine.Decide(ctx, snap, cycle.Forecast.Corrected)
	cycle.Decision = decision
	cycle.ModelParams = j.cfg.Model.Params()

	sent := j.act(ctx, log, cycle.ID, decision)

	j.scoreAccuracy(ctx, log, snap)
	final := decision.Final()
	if len(final.Points) > 0 {
		cycle.PredictedNextF = final.At(j.cfg.Interval)
		j.last = &prediction{
			cycleID: cycle.ID,
			madeAt:  start,
			target:  start.Add(j.cfg.Interval),
			tempF:   cycle.PredictedNextF,
		}
	}

	cycle.CompletedAt = j.now()
	if err := j.cfg.CycleLog.RecordCycle(context.WithoutCancel(ctx), cycle); err != nil {
		log.Error().Err(err).Msg("Failed to record cycle")
		return cycle, fmt.Errorf("failed to record cycle: %w", err)
	}

	elapsed := cycle.CompletedAt.Sub(start)
	j.duration.Record(context.WithoutCancel(ctx), elapsed.Seconds())
	if j.cfg.Events != nil {
		j.cfg.Events.EmitTyped("scheduler", &events.CycleCompletedData{
			CycleID:          cycle.ID,
			IndoorTempF:      snap.IndoorTempF(),
			OutdoorTempF:     snap.OutdoorTempF(),
			IndoorSource:     string(snap.IndoorSource()),
			OutdoorSource:    string(snap.OutdoorSource()),
			ForecastSource:   string(cycle.Forecast.Source),
			PredictedPeakF:   decision.PredictedPeakF,
			PredictedTroughF: decision.PredictedTroughF,
			Plan:             decision.Plan.Name,
			Commands:         sent,
			DurationMs:       elapsed.Milliseconds(),
		})
	}
	log.Info().
		Float64("indoor_f", snap.IndoorTempF()).
		Str("indoor_source", string(snap.IndoorSource())).
		Float64("outdoor_f", snap.OutdoorTempF()).
		Str("forecast_source", string(cycle.Forecast.Source)).
		Float64("peak_f", decision.PredictedPeakF).
		Float64("trough_f", decision.PredictedTroughF).
		Strs("commands", sent).
		Dur("duration", elapsed).
		Msg("Control cycle completed")
	return cycle, nil
}

// sense reads the indoor sensor, the station and every actuator in
// parallel. Each read is bounded by the retry wrapper and never fails.
func (j *ControlCycleJob) sense(ctx context.Context, now time.Time) (reliability.Result[domain.IndoorReading], reliability.Result[domain.StationReading], domain.ActuatorState) {
	var (
		g       errgroup.Group
		indoor  reliability.Result[domain.IndoorReading]
		outdoor reliability.Result[domain.StationReading]
		reads   = make([]domain.Command, len(domain.Actuators))
	)
	g.Go(func() error {
		indoor = j.readIndoor(ctx, now)
		return nil
	})
	g.Go(func() error {
		outdoor = j.readOutdoor(ctx, now)
		return nil
	})
	for i, a := range domain.Actuators {
		g.Go(func() error {
			reads[i] = j.readActuator(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	state := j.confirmed
	for i, a := range domain.Actuators {
		state = state.With(a, reads[i])
	}
	j.confirmed = state
	return indoor, outdoor, state
}

func (j *ControlCycleJob) readIndoor(ctx context.Context, now time.Time) reliability.Result[domain.IndoorReading] {
	sources := make([]reliability.Strategy[domain.IndoorReading], 0, len(j.cfg.Indoor))
	for _, src := range j.cfg.Indoor {
		sources = append(sources, reliability.Strategy[domain.IndoorReading]{Name: src.Name, Fetch: src.Sensor.ReadIndoor})
	}
	health := j.cfg.Retry.Health()
	last := j.last

	return reliability.Do(ctx, j.cfg.Retry, reliability.Request[domain.IndoorReading]{
		Device:  domain.DeviceShellyHT,
		Sources: sources,
		Fallbacks: []reliability.Strategy[domain.IndoorReading]{
			{Name: domain.SourceLastKnown, Fetch: func(context.Context) (domain.IndoorReading, error) {
				v, _, ok := reliability.LastKnown[domain.IndoorReading](health, domain.DeviceShellyHT)
				if !ok {
					return v, errors.New("no last known indoor reading")
				}
				return v, nil
			}},
			{Name: domain.SourceModel, Fetch: func(context.Context) (domain.IndoorReading, error) {
				if last == nil || now.Sub(last.madeAt) > 2*j.cfg.Interval {
					return domain.IndoorReading{}, errors.New("no recent model prediction")
				}
				return domain.IndoorReading{TempF: last.tempF, ObservedAt: last.target}, nil
			}},
		},
		Default: domain.IndoorReading{TempF: j.bandMidpoint(), ObservedAt: now},
	})
}

func (j *ControlCycleJob) readOutdoor(ctx context.Context, now time.Time) reliability.Result[domain.StationReading] {
	req := reliability.Request[domain.StationReading]{
		Device: domain.DeviceAmbientWeather,
		Fallbacks: []reliability.Strategy[domain.StationReading]{
			{Name: domain.SourceForecast, Fetch: func(context.Context) (domain.StationReading, error) {
				fc, ok := j.cfg.Corrector.Cached()
				if !ok {
					return domain.StationReading{}, forecast.ErrNoCachedForecast
				}
				reading, ok := forecast.CurrentConditions(fc, now, j.cfg.Corrector.MaxAlignment())
				if !ok {
					return domain.StationReading{}, errors.New("cached forecast does not cover now")
				}
				return reading, nil
			}},
		},
		UseLastKnown: true,
		Default:      domain.StationReading{TempF: j.bandMidpoint(), Humidity: 50, ObservedAt: now},
	}
	if j.cfg.Station != nil {
		req.Sources = reliability.Single(domain.SourceLive, j.cfg.Station.ReadStation)
	}
	return reliability.Do(ctx, j.cfg.Retry, req)
}

// readActuator returns the device's reported state, or the last confirmed
// state when it cannot be read.
func (j *ControlCycleJob) readActuator(ctx context.Context, a domain.Actuator) domain.Command {
	confirmed := j.confirmed.Get(a)
	dev, ok := j.cfg.Actuators[a]
	if !ok {
		return confirmed
	}
	res := reliability.Do(ctx, j.cfg.Retry, reliability.Request[domain.Command]{
		Device: string(a),
		Sources: reliability.Single(domain.SourceLive, func(ctx context.Context) (domain.Command, error) {
			cmd, err := dev.ReadState(ctx)
			if err != nil {
				return cmd, err
			}
			return cmd, cmd.Validate(a)
		}),
		Default: confirmed,
	})
	if res.FromFallback {
		j.log.Warn().Str("actuator", string(a)).Str("assumed", confirmed.String()).Msg("Actuator unreadable, assuming last confirmed state")
	}
	return res.Value
}

// act sends the engine's commands. A new override is pushed to its device
// once, on the first cycle that sees it; after that the actuator is skipped
// until the override ends. It returns the commands that were attempted, as
// text.
func (j *ControlCycleJob) act(ctx context.Context, log zerolog.Logger, cycleID string, d control.Decision) []string {
	var sent []string
	for _, action := range d.Actions {
		switch action.Kind {
		case control.ActionCommand:
			sent = append(sent, fmt.Sprintf("%s=%s", action.Actuator, action.Command))
			j.apply(ctx, log, cycleID, action)
		case control.ActionOverridden:
			if !action.OverridePending {
				continue
			}
			if j.confirmed.Get(action.Actuator) != action.Command {
				sent = append(sent, fmt.Sprintf("%s=%s", action.Actuator, action.Command))
				if !j.apply(ctx, log, cycleID, action) {
					continue // retried next cycle
				}
			}
			if err := j.cfg.Overrides.MarkApplied(ctx, action.OverrideID); err != nil {
				log.Warn().Err(err).Str("override", action.OverrideID).Msg("Failed to mark override applied")
			}
		}
	}
	return sent
}

// apply commands one actuator and reports whether the device confirmed.
func (j *ControlCycleJob) apply(ctx context.Context, log zerolog.Logger, cycleID string, action control.Action) bool {
	rec := cyclelog.CommandRecord{
		CycleID:  cycleID,
		Actuator: action.Actuator,
		Command:  action.Command,
		Reason:   action.Reason,
	}

	dev, ok := j.cfg.Actuators[action.Actuator]
	if !ok {
		rec.Error = "no device configured"
	} else {
		res := reliability.Do(ctx, j.cfg.Retry, reliability.Request[domain.Command]{
			Device: string(action.Actuator),
			Sources: reliability.Single(domain.SourceLive, func(ctx context.Context) (domain.Command, error) {
				confirmed, err := dev.Apply(ctx, action.Command)
				if err != nil {
					return domain.Command{}, err
				}
				if !confirmed {
					return domain.Command{}, errUnconfirmed
				}
				return action.Command, nil
			}),
		})
		rec.Confirmed = !res.FromFallback
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
	}
	rec.CreatedAt = j.now()

	j.commands.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("actuator", string(action.Actuator)),
		attribute.Bool("confirmed", rec.Confirmed),
	))

	if rec.Confirmed {
		j.confirmed = j.confirmed.With(action.Actuator, action.Command)
		log.Info().
			Str("actuator", string(action.Actuator)).
			Str("command", action.Command.String()).
			Str("reason", action.Reason).
			Msg("Actuator commanded")
	} else {
		log.Error().
			Str("actuator", string(action.Actuator)).
			Str("command", action.Command.String()).
			Str("error", rec.Error).
			Msg("Actuator command failed")
		j.notifyCommandFailure(ctx, action, rec.Error)
	}

	if err := j.cfg.CycleLog.RecordCommand(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Msg("Failed to record command")
	}
	if j.cfg.Events != nil {
		j.cfg.Events.EmitTyped("scheduler", &events.ActuatorCommandedData{
			CycleID:   cycleID,
			Actuator:  string(action.Actuator),
			Command:   action.Command.String(),
			Reason:    action.Reason,
			Confirmed: rec.Confirmed,
			Error:     rec.Error,
		})
	}
	return rec.Confirmed
}

func (j *ControlCycleJob) notifyCommandFailure(ctx context.Context, action control.Action, cause string) {
	if j.cfg.Alerts == nil {
		return
	}
	severity := domain.SeverityAlert
	if action.Actuator == domain.ActuatorHVAC {
		severity = domain.SeverityCritical
	}
	msg := fmt.Sprintf("%s command %s failed: %s", action.Actuator, action.Command, cause)
	if err := j.cfg.Alerts.Notify(context.WithoutCancel(ctx), string(action.Actuator), msg, severity); err != nil {
		j.log.Error().Err(err).Msg("Failed to deliver command failure alert")
	}
}

// scoreAccuracy compares the previous cycle's prediction with a live indoor
// reading.
func (j *ControlCycleJob) scoreAccuracy(ctx context.Context, log zerolog.Logger, snap domain.StateSnapshot) {
	last := j.last
	if last == nil {
		return
	}
	switch snap.IndoorSource() {
	case domain.SourceLive, domain.SourcePush:
	default:
		return
	}
	if snap.Timestamp().Sub(last.target) > j.cfg.Interval {
		return
	}
	sample := cyclelog.AccuracySample{
		CycleID:     last.cycleID,
		PredictedAt: last.madeAt,
		TargetAt:    snap.Timestamp(),
		PredictedF:  last.tempF,
		ActualF:     snap.IndoorTempF(),
	}
	if err := j.cfg.CycleLog.RecordAccuracy(context.WithoutCancel(ctx), sample); err != nil {
		log.Warn().Err(err).Msg("Failed to record model accuracy")
		return
	}
	log.Debug().Float64("error_f", sample.ErrorF()).Msg("Model accuracy sample")
}

// applySettings hands runtime-tuned settings to the engine.
func (j *ControlCycleJob) applySettings(log zerolog.Logger) {
	if j.cfg.Settings == nil {
		return
	}
	current, err := j.cfg.Settings.Current()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read settings, keeping previous")
		return
	}
	if current == j.cfg.Engine.Settings() {
		return
	}
	if err := j.cfg.Engine.UseSettings(current); err != nil {
		log.Warn().Err(err).Msg("Rejected settings, keeping previous")
		return
	}
	log.Info().Msg("Control settings updated")
}

func (j *ControlCycleJob) bandMidpoint() float64 {
	s := j.cfg.Engine.Settings()
	return (s.HighF + s.LowF) / 2
}
