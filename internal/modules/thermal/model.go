// Package thermal predicts the indoor air temperature of the greenhouse
// under a hypothetical actuator plan. The model is a two-node (air + thermal
// mass) energy balance integrated with explicit Euler steps. Simulate is a
// pure function of its inputs.
package thermal

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/canopy/internal/domain"
)

// StepTolerance is the documented numerical tolerance: halving the step
// changes the final temperature of an HVAC-off plan by less than this (°F).
const StepTolerance = 0.1

// Model is a validated, immutable parameter set plus its resolved time zone.
type Model struct {
	p   Params
	loc *time.Location
	dt  time.Duration
}

// NewModel validates params and builds a model.
func NewModel(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, err
	}
	return &Model{
		p:   p,
		loc: loc,
		dt:  time.Duration(p.StepSeconds * float64(time.Second)),
	}, nil
}

// Params returns the parameters the model was built with.
func (m *Model) Params() Params { return m.p }

// Step returns the integration step.
func (m *Model) Step() time.Duration { return m.dt }

// conditions are the outdoor drivers at one step.
type conditions struct {
	outdoorC   float64
	irradiance float64
}

// Simulate integrates the energy balance from the snapshot over horizon with
// the plan held constant. The returned trajectory has horizon/step+1 points,
// the first at offset zero equal to the snapshot's indoor temperature.
// Forecast values are interpolated linearly; beyond the forecast's end the
// last value is held, and an empty forecast holds the snapshot's outdoor
// conditions.
func (m *Model) Simulate(snap domain.StateSnapshot, fc domain.Forecast, plan domain.ActuatorPlan, horizon time.Duration) domain.Trajectory {
	steps := 0
	if horizon > 0 {
		steps = int(horizon / m.dt)
	}
	traj := domain.Trajectory{
		Plan:   plan.Name,
		Step:   m.dt,
		Points: make([]domain.TrajectoryPoint, steps+1),
	}

	startF := snap.IndoorTempF()
	traj.Points[0] = domain.TrajectoryPoint{Offset: 0, AirTempF: startF, MassTempF: startF}

	tAir := fToC(startF)
	tMass := tAir
	dtSec := m.dt.Seconds()
	elapsed := snap.Timestamp().Sub(fc.Start)

	for i := 0; i < steps; i++ {
		offset := time.Duration(i) * m.dt
		cond := m.conditionsAt(snap, fc, elapsed+offset)
		east, west := m.FaceWeights(snap.Timestamp().Add(offset))

		qAir, qMass := m.heatFlows(tAir, tMass, cond, east, west, plan)
		tAir += qAir / m.p.AirHeatCapacityJK * dtSec
		if m.p.massEnabled() {
			tMass += qMass / m.p.MassHeatCapacityJK * dtSec
		} else {
			tMass = tAir
		}

		traj.Points[i+1] = domain.TrajectoryPoint{
			Offset:    offset + m.dt,
			AirTempF:  cToF(tAir),
			MassTempF: cToF(tMass),
		}
	}
	return traj
}

// heatFlows returns the net heat rate (W) into the air node and the mass node.
// Both are evaluated from the state at the start of the step.
func (m *Model) heatFlows(tAir, tMass float64, c conditions, eastW, westW float64, plan domain.ActuatorPlan) (float64, float64) {
	p := m.p

	solar := m.solarGain(c.irradiance, eastW, westW, plan)
	massFrac := 0.0
	if p.massEnabled() {
		massFrac = p.MassSolarFraction
	}
	solarAir := solar * (1 - massFrac)
	solarMass := solar * massFrac

	latent := p.LatentFraction * solarAir
	envelope := p.envelopeUA() * (tAir - c.outdoorC)
	vent := 0.0
	if plan.Ventilation {
		vent = rhoCp * p.VentFlowM3s * (tAir - c.outdoorC)
	}
	ground := p.GroundCouplingWK * (tAir - fToC(p.GroundTempF))
	exchange := 0.0
	if p.massEnabled() {
		exchange = p.MassCouplingWK * (tAir - tMass)
	}
	hvac := m.hvacPower(tAir, plan)

	qAir := solarAir - latent - envelope - vent - ground - exchange + hvac
	qMass := solarMass + exchange
	return qAir, qMass
}

// solarGain is the transmitted solar power (W). Each roof face is reduced
// independently when its shade is closed; wall glazing is never shaded.
func (m *Model) solarGain(irradiance, eastW, westW float64, plan domain.ActuatorPlan) float64 {
	if irradiance <= 0 {
		return 0
	}
	p := m.p
	roof := p.RoofEastAreaM2 + p.RoofWestAreaM2
	total := irradiance * p.CoverTransmittance * p.FloorAreaM2
	if roof == 0 {
		return total
	}
	roofFraction := roof / (roof + p.FloorAreaM2)

	e := p.RoofEastAreaM2 / roof * eastW
	w := p.RoofWestAreaM2 / roof * westW
	norm := e + w
	roofFactor := 0.0
	if norm > 0 {
		roofFactor = (e*(1-p.ShadeBlockFraction*closed(plan.ShadesEast)) +
			w*(1-p.ShadeBlockFraction*closed(plan.ShadesWest))) / norm
	}
	return total * (roofFraction*roofFactor + (1 - roofFraction))
}

// hvacPower is proportional around the plan setpoint and saturates at the
// rated capacity.
func (m *Model) hvacPower(tAir float64, plan domain.ActuatorPlan) float64 {
	if m.p.HVACCapacityW == 0 {
		return 0
	}
	sp := fToC(plan.HVACSetF)
	band := fDeltaToC(m.p.HVACBandF)
	switch plan.HVACMode {
	case domain.HVACCool:
		return -m.p.HVACCapacityW * clamp01((tAir-sp)/band)
	case domain.HVACHeat:
		return m.p.HVACCapacityW * clamp01((sp-tAir)/band)
	}
	return 0
}

// FaceWeights returns the relative share of direct sun on the east and west
// roof faces at t. Mornings favour east, afternoons west; at solar noon the
// faces are equal.
func (m *Model) FaceWeights(t time.Time) (east, west float64) {
	local := t.In(m.loc)
	hour := float64(local.Hour()) + float64(local.Minute())/60 + float64(local.Second())/3600
	east = clamp01(0.5 + m.p.SunSideBias*(m.p.SolarNoonHour-hour)/6)
	return east, 1 - east
}

func (m *Model) conditionsAt(snap domain.StateSnapshot, fc domain.Forecast, at time.Duration) conditions {
	pts := fc.Points
	n := len(pts)
	if n == 0 {
		return conditions{outdoorC: fToC(snap.OutdoorTempF()), irradiance: snap.SolarIrradiance()}
	}
	if at <= pts[0].Offset {
		return pointConditions(pts[0])
	}
	if at >= pts[n-1].Offset {
		return pointConditions(pts[n-1])
	}
	j := sort.Search(n, func(i int) bool { return pts[i].Offset >= at })
	a, b := pts[j-1], pts[j]
	frac := float64(at-a.Offset) / float64(b.Offset-a.Offset)
	return conditions{
		outdoorC:   fToC(lerp(a.TempF, b.TempF, frac)),
		irradiance: math.Max(0, lerp(a.IrradianceWm2, b.IrradianceWm2, frac)),
	}
}

func pointConditions(p domain.ForecastPoint) conditions {
	return conditions{outdoorC: fToC(p.TempF), irradiance: math.Max(0, p.IrradianceWm2)}
}

func closed(pos domain.ShadePosition) float64 {
	if pos == domain.ShadeClosed {
		return 1
	}
	return 0
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }
