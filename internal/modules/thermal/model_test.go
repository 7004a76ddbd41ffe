package thermal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
)

var noon = time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

func newTestModel(t *testing.T, mutate func(*Params)) *Model {
	t.Helper()
	p := DefaultParams()
	if mutate != nil {
		mutate(&p)
	}
	m, err := NewModel(p)
	require.NoError(t, err)
	return m
}

func snapshotAt(ts time.Time, indoorF, outdoorF, irradiance float64) domain.StateSnapshot {
	return domain.NewStateSnapshot(domain.SnapshotInput{
		Indoor:    domain.IndoorReading{TempF: indoorF, Humidity: 50, ObservedAt: ts},
		Outdoor:   domain.StationReading{TempF: outdoorF, Humidity: 40, IrradianceWm2: irradiance, ObservedAt: ts},
		Actuators: domain.SafeActuatorState(),
		Timestamp: ts,
	})
}

// hourlyForecast ramps outdoor temperature and irradiance linearly across the hours.
func hourlyForecast(start time.Time, hours int, fromF, toF, fromIrr, toIrr float64) domain.Forecast {
	points := make([]domain.ForecastPoint, hours+1)
	for h := 0; h <= hours; h++ {
		frac := float64(h) / float64(hours)
		points[h] = domain.ForecastPoint{
			Offset:        time.Duration(h) * time.Hour,
			TempF:         fromF + (toF-fromF)*frac,
			IrradianceWm2: fromIrr + (toIrr-fromIrr)*frac,
			IsDay:         true,
		}
	}
	return domain.NewForecast(start, start, domain.ForecastRaw, points)
}

func plan(name string, mutate func(*domain.ActuatorState)) domain.ActuatorPlan {
	s := domain.SafeActuatorState()
	if mutate != nil {
		mutate(&s)
	}
	return domain.NewPlan(name, s)
}

func TestSimulate_TrajectoryShape(t *testing.T) {
	m := newTestModel(t, nil)
	snap := snapshotAt(noon, 70, 85, 600)
	fc := hourlyForecast(noon, 6, 85, 90, 600, 400)

	traj := m.Simulate(snap, fc, plan("passive", nil), 2*time.Hour)

	require.Len(t, traj.Points, int(2*time.Hour/m.Step())+1)
	assert.Equal(t, "passive", traj.Plan)
	assert.Equal(t, time.Duration(0), traj.Points[0].Offset)
	assert.Equal(t, 70.0, traj.Points[0].AirTempF)
	for i := 1; i < len(traj.Points); i++ {
		assert.Greater(t, traj.Points[i].Offset, traj.Points[i-1].Offset)
	}
	assert.Equal(t, 2*time.Hour, traj.Final().Offset)
}

func TestSimulate_Deterministic(t *testing.T) {
	m := newTestModel(t, nil)
	snap := snapshotAt(noon, 72, 88, 750)
	fc := hourlyForecast(noon, 6, 88, 80, 750, 100)
	p := plan("mixed", func(s *domain.ActuatorState) {
		s.ShadesEast = domain.ShadeClosed
		s.Ventilation = true
	})

	a := m.Simulate(snap, fc, p, 6*time.Hour)
	b := m.Simulate(snap, fc, p, 6*time.Hour)
	assert.Equal(t, a, b)
}

func TestSimulate_HalvingStepStaysWithinTolerance(t *testing.T) {
	coarse := newTestModel(t, nil)
	fine := newTestModel(t, func(p *Params) { p.StepSeconds = coarse.Params().StepSeconds / 2 })

	snap := snapshotAt(noon, 68, 75, 200)
	fc := hourlyForecast(noon, 6, 75, 92, 200, 850)

	plans := []domain.ActuatorPlan{
		plan("passive", nil),
		plan("shaded", func(s *domain.ActuatorState) {
			s.ShadesEast = domain.ShadeClosed
			s.ShadesWest = domain.ShadeClosed
		}),
		plan("shaded_vent", func(s *domain.ActuatorState) {
			s.ShadesEast = domain.ShadeClosed
			s.ShadesWest = domain.ShadeClosed
			s.Ventilation = true
		}),
	}

	for _, p := range plans {
		t.Run(p.Name, func(t *testing.T) {
			a := coarse.Simulate(snap, fc, p, 2*time.Hour).Final().AirTempF
			b := fine.Simulate(snap, fc, p, 2*time.Hour).Final().AirTempF
			assert.InDelta(t, a, b, StepTolerance)
		})
	}
}

func TestSimulate_ClosingShadesNeverRaisesPeak(t *testing.T) {
	m := newTestModel(t, nil)

	scenarios := []struct {
		name       string
		at         time.Time
		indoor     float64
		outdoor    float64
		irradiance float64
	}{
		{"hot sunny afternoon", noon.Add(3 * time.Hour), 70, 95, 900},
		{"mild morning", noon.Add(-4 * time.Hour), 60, 62, 300},
		{"overcast", noon, 75, 80, 50},
		{"night", noon.Add(10 * time.Hour), 65, 55, 0},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			snap := snapshotAt(sc.at, sc.indoor, sc.outdoor, sc.irradiance)
			fc := hourlyForecast(sc.at, 6, sc.outdoor, sc.outdoor+3, sc.irradiance, sc.irradiance)

			open := m.Simulate(snap, fc, plan("open", nil), 2*time.Hour)
			east := m.Simulate(snap, fc, plan("east", func(s *domain.ActuatorState) { s.ShadesEast = domain.ShadeClosed }), 2*time.Hour)
			both := m.Simulate(snap, fc, plan("both", func(s *domain.ActuatorState) {
				s.ShadesEast = domain.ShadeClosed
				s.ShadesWest = domain.ShadeClosed
			}), 2*time.Hour)

			assert.LessOrEqual(t, east.Peak(0), open.Peak(0))
			assert.LessOrEqual(t, both.Peak(0), east.Peak(0))
		})
	}
}

func TestSimulate_HoldsLastForecastValue(t *testing.T) {
	m := newTestModel(t, nil)
	snap := snapshotAt(noon, 70, 60, 0)

	oneHour := hourlyForecast(noon, 1, 60, 60, 0, 0)
	held := domain.NewForecast(noon, noon, domain.ForecastRaw, []domain.ForecastPoint{{Offset: 0, TempF: 60}})

	a := m.Simulate(snap, oneHour, plan("p", nil), 6*time.Hour)
	b := m.Simulate(snap, held, plan("p", nil), 6*time.Hour)

	require.Len(t, a.Points, int(6*time.Hour/m.Step())+1)
	assert.Equal(t, a.Final().AirTempF, b.Final().AirTempF)
}

func TestSimulate_EmptyForecastUsesSnapshotConditions(t *testing.T) {
	m := newTestModel(t, nil)
	snap := snapshotAt(noon, 70, 50, 0)

	traj := m.Simulate(snap, domain.Forecast{}, plan("p", nil), time.Hour)
	assert.Less(t, traj.Final().AirTempF, 70.0, "cold outdoors with no sun cools the air")
}

func TestSimulate_VentilationCoolsWhenOutdoorIsCooler(t *testing.T) {
	m := newTestModel(t, nil)
	snap := snapshotAt(noon, 80, 60, 800)
	fc := hourlyForecast(noon, 3, 60, 62, 800, 800)

	closedOnly := m.Simulate(snap, fc, plan("closed", func(s *domain.ActuatorState) {
		s.ShadesEast, s.ShadesWest = domain.ShadeClosed, domain.ShadeClosed
	}), time.Hour)
	withVent := m.Simulate(snap, fc, plan("vent", func(s *domain.ActuatorState) {
		s.ShadesEast, s.ShadesWest = domain.ShadeClosed, domain.ShadeClosed
		s.Ventilation = true
	}), time.Hour)

	assert.Less(t, withVent.Final().AirTempF, closedOnly.Final().AirTempF)
}

func TestSimulate_HVACOpposesExcursion(t *testing.T) {
	m := newTestModel(t, nil)

	hot := snapshotAt(noon, 80, 90, 500)
	hotFc := hourlyForecast(noon, 3, 90, 90, 500, 500)
	off := m.Simulate(hot, hotFc, plan("off", nil), time.Hour)
	cool := m.Simulate(hot, hotFc, plan("cool", func(s *domain.ActuatorState) {
		s.HVACMode, s.HVACSetF = domain.HVACCool, 78
	}), time.Hour)
	assert.Less(t, cool.Final().AirTempF, off.Final().AirTempF)

	cold := snapshotAt(noon.Add(12*time.Hour), 45, 30, 0)
	coldFc := hourlyForecast(noon.Add(12*time.Hour), 3, 30, 28, 0, 0)
	idle := m.Simulate(cold, coldFc, plan("off", nil), time.Hour)
	heat := m.Simulate(cold, coldFc, plan("heat", func(s *domain.ActuatorState) {
		s.HVACMode, s.HVACSetF = domain.HVACHeat, 50
	}), time.Hour)
	assert.Greater(t, heat.Final().AirTempF, idle.Final().AirTempF)
}

func TestFaceWeights(t *testing.T) {
	m := newTestModel(t, nil)

	east, west := m.FaceWeights(time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC))
	assert.Greater(t, east, west)

	east, west = m.FaceWeights(time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC))
	assert.InDelta(t, 0.5, east, 1e-9)
	assert.InDelta(t, 0.5, west, 1e-9)

	east, west = m.FaceWeights(time.Date(2026, 7, 15, 16, 0, 0, 0, time.UTC))
	assert.Less(t, east, west)
	assert.InDelta(t, 1.0, east+west, 1e-9)
}

func TestParams_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero step", func(p *Params) { p.StepSeconds = 0 }},
		{"step over a minute", func(p *Params) { p.StepSeconds = 90 }},
		{"transmittance above one", func(p *Params) { p.CoverTransmittance = 1.2 }},
		{"negative floor area", func(p *Params) { p.FloorAreaM2 = -1 }},
		{"zero air capacity", func(p *Params) { p.AirHeatCapacityJK = 0 }},
		{"mass without coupling", func(p *Params) { p.MassCouplingWK = 0 }},
		{"unknown timezone", func(p *Params) { p.Timezone = "Mars/Olympus" }},
		{"unstable step", func(p *Params) { p.AirHeatCapacityJK = 50000 }},
		{"zero hvac band", func(p *Params) { p.HVACBandF = 0 }},
	}

	assert.NoError(t, DefaultParams().Validate())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParams)

			_, err = NewModel(p)
			assert.Error(t, err)
		})
	}
}
