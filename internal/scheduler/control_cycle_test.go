package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/control"
	"github.com/aristath/canopy/internal/modules/cyclelog"
	"github.com/aristath/canopy/internal/modules/forecast"
	"github.com/aristath/canopy/internal/modules/overrides"
	"github.com/aristath/canopy/internal/modules/thermal"
	"github.com/aristath/canopy/internal/reliability"
	testutil "github.com/aristath/canopy/internal/testing"
)

type fakeIndoor struct {
	mu      sync.Mutex
	reading domain.IndoorReading
	err     error
}

func (f *fakeIndoor) ReadIndoor(context.Context) (domain.IndoorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.err
}

type fakeStation struct {
	reading domain.StationReading
	err     error
}

func (f *fakeStation) ReadStation(context.Context) (domain.StationReading, error) {
	return f.reading, f.err
}

type fakeForecast struct {
	fc  domain.Forecast
	err error
}

func (f *fakeForecast) Fetch(context.Context, int) (domain.Forecast, error) {
	return f.fc, f.err
}

type cycleFixture struct {
	job       *ControlCycleJob
	log       *cyclelog.Repository
	overrides *overrides.Manager
	indoor    *fakeIndoor
	alerts    *testutil.MockAlertSink
	devices   map[domain.Actuator]*testutil.MockActuator
}

// newCycleFixture wires a hot afternoon: 70°F inside, 95°F and strong sun
// outside, every actuator in its safe state.
func newCycleFixture(t *testing.T) (*cycleFixture, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "canopy")
	log := zerolog.Nop()

	health := reliability.NewHealthTracker(reliability.HealthConfig{}, nil, nil, log)
	rf := reliability.NewRetryFallback(reliability.Config{
		ConnectTimeout: 20 * time.Millisecond,
		ReadTimeout:    20 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}, health, log)

	model, err := thermal.NewModel(thermal.DefaultParams())
	require.NoError(t, err)

	om := overrides.NewManager(overrides.NewRepository(db.Conn(), log), nil, log)
	settings := control.DefaultSettings()
	settings.Horizon = 2 * time.Hour
	engine, err := control.NewEngine(model, om, settings, log)
	require.NoError(t, err)

	corrector := forecast.NewCorrector(
		&fakeForecast{fc: testutil.FlatForecast(testutil.FixedNow, 6, 95, 900)},
		rf, nil, forecast.Config{}, log)

	safe := domain.SafeActuatorState()
	devices := make(map[domain.Actuator]*testutil.MockActuator)
	actuators := make(map[domain.Actuator]domain.ActuatorDevice)
	for _, a := range domain.Actuators {
		devices[a] = testutil.NewMockActuator(safe.Get(a))
		actuators[a] = devices[a]
	}

	indoor := &fakeIndoor{reading: domain.IndoorReading{TempF: 70, Humidity: 55, ObservedAt: testutil.FixedNow}}
	alerts := testutil.NewMockAlertSink()
	repo := cyclelog.NewRepository(db.Conn(), log)

	job := NewControlCycleJob(ControlCycleConfig{
		Log:       log,
		Interval:  5 * time.Minute,
		Retry:     rf,
		Corrector: corrector,
		Model:     model,
		Engine:    engine,
		Overrides: om,
		CycleLog:  repo,
		Alerts:    alerts,
		Indoor:    []IndoorSource{{Name: domain.SourcePush, Sensor: indoor}},
		Station: &fakeStation{reading: domain.StationReading{
			TempF: 95, Humidity: 40, IrradianceWm2: 900, WindMph: 3, ObservedAt: testutil.FixedNow,
		}},
		Actuators: actuators,
	})
	job.now = func() time.Time { return testutil.FixedNow }

	return &cycleFixture{
		job:       job,
		log:       repo,
		overrides: om,
		indoor:    indoor,
		alerts:    alerts,
		devices:   devices,
	}, cleanup
}

func TestControlCycleJob_Name(t *testing.T) {
	job := &ControlCycleJob{}
	assert.Equal(t, "control_cycle", job.Name())
}

func TestControlCycle_HotAfternoonActsAndLogs(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	cycle, err := f.job.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.SourcePush, cycle.Snapshot.IndoorSource())
	assert.Equal(t, domain.SourceLive, cycle.Snapshot.OutdoorSource())
	assert.Equal(t, domain.SourceLive, cycle.Forecast.Source)

	closed := domain.ShadeCommand(domain.ShadeClosed)
	assert.Equal(t, []domain.Command{closed}, f.devices[domain.ActuatorShadesEast].Applied())
	assert.Equal(t, []domain.Command{closed}, f.devices[domain.ActuatorShadesWest].Applied())
	assert.Empty(t, f.devices[domain.ActuatorVentilation].Applied())
	assert.Equal(t, []domain.Command{domain.HVACCommand(domain.HVACCool, 82)}, f.devices[domain.ActuatorHVAC].Applied())

	confirmed := f.job.Confirmed()
	assert.Equal(t, domain.ShadeClosed, confirmed.ShadesEast)
	assert.Equal(t, domain.HVACCool, confirmed.HVACMode)

	cmds, err := f.log.Commands(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	for _, c := range cmds {
		assert.True(t, c.Confirmed)
		assert.Equal(t, cycle.ID, c.CycleID)
	}

	hb, err := f.log.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hb.CyclesCompleted)
	assert.Equal(t, cycle.ID, hb.LastCycleID)

	latest, err := f.log.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 70.0, latest.IndoorTempF)
	assert.Empty(t, f.alerts.Alerts())
}

func TestControlCycle_SecondCycleHoldsAndScoresAccuracy(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	first, err := f.job.RunCycle(ctx)
	require.NoError(t, err)

	next := testutil.FixedNow.Add(5 * time.Minute)
	f.job.now = func() time.Time { return next }
	f.indoor.mu.Lock()
	f.indoor.reading = domain.IndoorReading{TempF: 70.5, Humidity: 55, ObservedAt: next}
	f.indoor.mu.Unlock()

	_, err = f.job.RunCycle(ctx)
	require.NoError(t, err)

	// the devices already report the commanded state
	assert.Len(t, f.devices[domain.ActuatorHVAC].Applied(), 1)

	summary, err := f.log.AccuracySince(ctx, testutil.FixedNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Samples)
	assert.InDelta(t, first.PredictedNextF-70.5, summary.BiasF, 1e-9)

	hb, err := f.log.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.CyclesCompleted)
}

func TestControlCycle_FailedHVACCommandRaisesCriticalAlert(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.devices[domain.ActuatorHVAC].FailApplies(errors.New("thermostat offline"))

	_, err := f.job.RunCycle(ctx)
	require.NoError(t, err, "device failures never fail the cycle")

	// one attempt plus the retry
	assert.Len(t, f.devices[domain.ActuatorHVAC].Applied(), 2)
	assert.Equal(t, domain.HVACOff, f.job.Confirmed().HVACMode)

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, string(domain.ActuatorHVAC), alerts[0].Source)
	assert.Contains(t, alerts[0].Message, "thermostat offline")

	cmds, err := f.log.Commands(ctx, domain.ActuatorHVAC, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.False(t, cmds[0].Confirmed)
	assert.Contains(t, cmds[0].Error, "thermostat offline")
}

func TestControlCycle_UnconfirmedShadeCommandAlerts(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()

	f.devices[domain.ActuatorShadesWest].SetConfirm(false)

	_, err := f.job.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ShadeOpen, f.job.Confirmed().ShadesWest)
	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityAlert, alerts[0].Severity)
}

func TestControlCycle_IndoorFallbackChain(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	f.indoor.mu.Lock()
	f.indoor.err = errors.New("sensor asleep")
	f.indoor.mu.Unlock()

	first, err := f.job.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDefault, first.Snapshot.IndoorSource())
	assert.Equal(t, 65.0, first.Snapshot.IndoorTempF(), "band midpoint")

	f.job.now = func() time.Time { return testutil.FixedNow.Add(5 * time.Minute) }
	second, err := f.job.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceModel, second.Snapshot.IndoorSource())
	assert.Equal(t, first.PredictedNextF, second.Snapshot.IndoorTempF())
}

func TestControlCycle_IndoorLastKnownBeforeModel(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	_, err := f.job.RunCycle(ctx)
	require.NoError(t, err)

	f.indoor.mu.Lock()
	f.indoor.err = errors.New("sensor asleep")
	f.indoor.mu.Unlock()
	f.job.now = func() time.Time { return testutil.FixedNow.Add(5 * time.Minute) }

	second, err := f.job.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLastKnown, second.Snapshot.IndoorSource())
	assert.Equal(t, 70.0, second.Snapshot.IndoorTempF())
}

func TestControlCycle_UnreadableActuatorAssumesConfirmed(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()

	f.job.SeedConfirmed(domain.SafeActuatorState().With(domain.ActuatorVentilation, domain.SwitchCommand(true)))
	f.devices[domain.ActuatorVentilation].FailReads(errors.New("relay unreachable"))

	cycle, err := f.job.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cycle.Snapshot.Actuators().Ventilation)
}

// appliedAt returns when the open override of a was pushed to its device.
func appliedAt(t *testing.T, m *overrides.Manager, a domain.Actuator) *time.Time {
	t.Helper()
	o, err := m.Active(context.Background(), a, testutil.FixedNow)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o.AppliedAt
}

func TestControlCycle_AppliesOverrideOnce(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	_, err := f.overrides.Set(ctx, domain.ActuatorShadesWest, domain.ShadeCommand(domain.ShadeOpen), overrides.MaxDuration, "cli")
	require.NoError(t, err)
	_, err = f.overrides.Set(ctx, domain.ActuatorVentilation, domain.SwitchCommand(true), overrides.MaxDuration, "cli")
	require.NoError(t, err)

	cycle, err := f.job.RunCycle(ctx)
	require.NoError(t, err)

	west, ok := cycle.Decision.Action(domain.ActuatorShadesWest)
	require.True(t, ok)
	assert.Equal(t, control.ActionOverridden, west.Kind)
	assert.True(t, west.OverridePending)
	// already open: nothing to send
	assert.Empty(t, f.devices[domain.ActuatorShadesWest].Applied())
	assert.NotNil(t, appliedAt(t, f.overrides, domain.ActuatorShadesWest))
	// differs from the device: pushed once
	assert.Equal(t, []domain.Command{domain.SwitchCommand(true)}, f.devices[domain.ActuatorVentilation].Applied())
	assert.NotNil(t, appliedAt(t, f.overrides, domain.ActuatorVentilation))

	// switched off at the wall; the controller leaves it alone
	f.devices[domain.ActuatorVentilation].SetState(domain.SwitchCommand(false))

	cycle, err = f.job.RunCycle(ctx)
	require.NoError(t, err)

	vent, ok := cycle.Decision.Action(domain.ActuatorVentilation)
	require.True(t, ok)
	assert.Equal(t, control.ActionOverridden, vent.Kind)
	assert.False(t, vent.OverridePending)
	assert.Len(t, f.devices[domain.ActuatorVentilation].Applied(), 1)
	assert.Empty(t, f.devices[domain.ActuatorShadesWest].Applied())
	assert.False(t, cycle.Snapshot.Actuators().Ventilation)
}

func TestControlCycle_FailedOverrideIsRetriedNextCycle(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	_, err := f.overrides.Set(ctx, domain.ActuatorVentilation, domain.SwitchCommand(true), overrides.MaxDuration, "http")
	require.NoError(t, err)

	f.devices[domain.ActuatorVentilation].FailApplies(errors.New("relay offline"))
	_, err = f.job.RunCycle(ctx)
	require.NoError(t, err)
	assert.Nil(t, appliedAt(t, f.overrides, domain.ActuatorVentilation))

	f.devices[domain.ActuatorVentilation].FailApplies(nil)
	_, err = f.job.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotNil(t, appliedAt(t, f.overrides, domain.ActuatorVentilation))
	assert.True(t, f.job.Confirmed().Ventilation)

	applied := f.devices[domain.ActuatorVentilation].Applied()
	require.NotEmpty(t, applied)
	assert.Equal(t, domain.SwitchCommand(true), applied[len(applied)-1])
}

func TestControlCycle_Bootstrap(t *testing.T) {
	f, cleanup := newCycleFixture(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.log.RecordCommand(ctx, cyclelog.CommandRecord{
		CycleID:   "earlier",
		Actuator:  domain.ActuatorShadesEast,
		Command:   domain.ShadeCommand(domain.ShadeClosed),
		Confirmed: true,
		CreatedAt: testutil.FixedNow.Add(-time.Hour),
	}))
	// the east shade no longer answers, so its logged state is trusted
	f.devices[domain.ActuatorShadesEast].FailReads(errors.New("offline"))

	startup, err := f.job.Bootstrap(ctx, "1.2.3")
	require.NoError(t, err)

	assert.NotZero(t, startup.ID)
	assert.Equal(t, "1.2.3", startup.Version)
	assert.Equal(t, domain.ShadeClosed, startup.Actuators.ShadesEast)
	assert.Equal(t, domain.ShadeOpen, startup.Actuators.ShadesWest)
	assert.Equal(t, startup.Actuators, f.job.Confirmed())

	startups, err := f.log.Startups(ctx, 5)
	require.NoError(t, err)
	require.Len(t, startups, 1)
}

type fakeAccuracy struct {
	summary cyclelog.AccuracySummary
	err     error
}

func (f fakeAccuracy) AccuracySince(context.Context, time.Time) (cyclelog.AccuracySummary, error) {
	return f.summary, f.err
}

func TestAccuracyReportJob_Run(t *testing.T) {
	tests := []struct {
		name       string
		summary    cyclelog.AccuracySummary
		err        error
		wantErr    bool
		wantAlerts int
	}{
		{name: "no samples", summary: cyclelog.AccuracySummary{}},
		{name: "within tolerance", summary: cyclelog.AccuracySummary{Samples: 12, RMSEF: 0.8}},
		{name: "drifting", summary: cyclelog.AccuracySummary{Samples: 12, RMSEF: 3.1}, wantAlerts: 1},
		{name: "too few samples to judge", summary: cyclelog.AccuracySummary{Samples: 2, RMSEF: 5}},
		{name: "store error", err: errors.New("locked"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := testutil.NewMockAlertSink()
			job := NewAccuracyReportJob(fakeAccuracy{summary: tt.summary, err: tt.err}, alerts, time.Hour, 2, zerolog.Nop())
			assert.Equal(t, "accuracy_report", job.Name())

			err := job.Run()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, alerts.Alerts(), tt.wantAlerts)
		})
	}
}
