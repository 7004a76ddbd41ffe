// Package control turns predicted trajectories into per-actuator actions.
// Each cycle the engine simulates a set of candidate plans and applies fixed
// priority rules: shades first, then ventilation, then HVAC. Actuators with an
// active manual override are left alone.
package control

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/canopy/internal/domain"
)

// Plan names used in Decision.Trajectories.
const (
	PlanCurrent     = "current"
	PlanPassive     = "passive"
	PlanEastClosed  = "east_closed"
	PlanWestClosed  = "west_closed"
	PlanShaded      = "shaded"
	PlanShadedVent  = "shaded_vent"
	PlanCool        = "hvac_cool"
	PlanHeat        = "hvac_heat"
	PlanWithShades  = "with_shades"
	PlanWithoutHVAC = "without_hvac"
	PlanFinal       = "final"
)

// Simulator predicts trajectories. *thermal.Model implements it.
type Simulator interface {
	Simulate(snap domain.StateSnapshot, fc domain.Forecast, plan domain.ActuatorPlan, horizon time.Duration) domain.Trajectory
	FaceWeights(t time.Time) (east, west float64)
}

// Engine decides actuator actions. Decide may be called concurrently; the
// settings can be replaced between cycles with UseSettings.
type Engine struct {
	model     Simulator
	overrides domain.OverrideReader
	settings  atomic.Pointer[Settings]
	log       zerolog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(model Simulator, overrides domain.OverrideReader, settings Settings, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		model:     model,
		overrides: overrides,
		log:       log.With().Str("component", "decision_engine").Logger(),
	}
	if err := e.UseSettings(settings); err != nil {
		return nil, err
	}
	return e, nil
}

// Settings returns the settings the next decision will use.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// UseSettings replaces the settings after validating them.
func (e *Engine) UseSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.settings.Store(&s)
	return nil
}

// Decide simulates the candidate plans for snap under fc and returns one
// action per actuator in domain.Actuators order. It never fails: an
// unreadable override skips only that actuator.
func (e *Engine) Decide(ctx context.Context, snap domain.StateSnapshot, fc domain.Forecast) Decision {
	r := &run{
		e:     e,
		snap:  snap,
		fc:    fc,
		s:     e.Settings(),
		now:   snap.Timestamp(),
		memo:  make(map[domain.ActuatorState]domain.Trajectory),
		named: make(map[string]domain.Trajectory),
	}
	r.loadOverrides(ctx)
	r.simulateCandidates()

	reasons := make(map[domain.Actuator]string, len(domain.Actuators))
	target := r.decideShades(reasons)
	target = r.decideVentilation(target, reasons)
	target = r.decideHVAC(target, reasons)
	target = r.pin(target)

	final := r.simulate(PlanFinal, target)
	d := Decision{
		At:               r.now,
		Trajectories:     r.named,
		Plan:             domain.NewPlan(PlanFinal, target),
		PredictedPeakF:   final.Peak(r.s.LookAhead),
		PredictedTroughF: final.Trough(r.s.LookAhead),
		Settings:         r.s,
	}

	current := snap.Actuators()
	for _, a := range domain.Actuators {
		d.Actions = append(d.Actions, r.action(a, current.Get(a), target.Get(a), reasons[a]))
	}
	return d
}

// run holds the state of one Decide call.
type run struct {
	e    *Engine
	snap domain.StateSnapshot
	fc   domain.Forecast
	s    Settings
	now  time.Time

	pinned     map[domain.Actuator]domain.Override
	unreadable map[domain.Actuator]error

	memo  map[domain.ActuatorState]domain.Trajectory
	named map[string]domain.Trajectory
}

func (r *run) loadOverrides(ctx context.Context) {
	r.pinned = make(map[domain.Actuator]domain.Override)
	r.unreadable = make(map[domain.Actuator]error)
	if r.e.overrides == nil {
		return
	}
	for _, a := range domain.Actuators {
		o, err := r.e.overrides.Active(ctx, a, r.now)
		switch {
		case err != nil:
			r.e.log.Warn().Err(err).Str("actuator", string(a)).Msg("Override state unavailable, leaving actuator alone")
			r.unreadable[a] = err
		case o != nil:
			r.pinned[a] = *o
		}
	}
}

// pin forces actuators the engine must not touch to their override command,
// or to their confirmed state when the override could not be read.
func (r *run) pin(st domain.ActuatorState) domain.ActuatorState {
	for a, o := range r.pinned {
		st = st.With(a, o.Command)
	}
	current := r.snap.Actuators()
	for a := range r.unreadable {
		st = st.With(a, current.Get(a))
	}
	return st
}

func (r *run) free(a domain.Actuator) bool {
	_, pinned := r.pinned[a]
	_, unreadable := r.unreadable[a]
	return !pinned && !unreadable
}

// simulateCandidates runs the fixed candidate plans in parallel.
func (r *run) simulateCandidates() {
	base := domain.SafeActuatorState()
	shaded := base.
		With(domain.ActuatorShadesEast, domain.ShadeCommand(domain.ShadeClosed)).
		With(domain.ActuatorShadesWest, domain.ShadeCommand(domain.ShadeClosed))

	candidates := []domain.ActuatorPlan{
		domain.NewPlan(PlanCurrent, r.pin(r.snap.Actuators())),
		domain.NewPlan(PlanPassive, r.pin(base)),
		domain.NewPlan(PlanEastClosed, r.pin(base.With(domain.ActuatorShadesEast, domain.ShadeCommand(domain.ShadeClosed)))),
		domain.NewPlan(PlanWestClosed, r.pin(base.With(domain.ActuatorShadesWest, domain.ShadeCommand(domain.ShadeClosed)))),
		domain.NewPlan(PlanShaded, r.pin(shaded)),
		domain.NewPlan(PlanShadedVent, r.pin(shaded.With(domain.ActuatorVentilation, domain.SwitchCommand(true)))),
		domain.NewPlan(PlanCool, r.pin(shaded.With(domain.ActuatorHVAC, domain.HVACCommand(domain.HVACCool, r.s.CoolSetpointF)))),
		domain.NewPlan(PlanHeat, r.pin(base.With(domain.ActuatorHVAC, domain.HVACCommand(domain.HVACHeat, r.s.HeatSetpointF)))),
	}

	results := make([]domain.Trajectory, len(candidates))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, plan := range candidates {
		g.Go(func() error {
			results[i] = r.e.model.Simulate(r.snap, r.fc, plan, r.s.Horizon)
			return nil
		})
	}
	_ = g.Wait()

	for i, plan := range candidates {
		if _, ok := r.memo[plan.ActuatorState]; !ok {
			r.memo[plan.ActuatorState] = results[i]
		}
		r.named[plan.Name] = results[i]
		r.e.log.Debug().
			Str("plan", plan.Name).
			Float64("peak_f", results[i].Peak(r.s.LookAhead)).
			Float64("trough_f", results[i].Trough(r.s.LookAhead)).
			Msg("Simulated plan")
	}
}

// simulate returns the trajectory for st, reusing an earlier simulation of
// the same state.
func (r *run) simulate(name string, st domain.ActuatorState) domain.Trajectory {
	t, ok := r.memo[st]
	if !ok {
		t = r.e.model.Simulate(r.snap, r.fc, domain.NewPlan(name, st), r.s.Horizon)
		r.memo[st] = t
	}
	t.Plan = name
	r.named[name] = t
	return t
}

func (r *run) exceedsHigh(t domain.Trajectory) bool {
	return t.ExceedsAbove(r.s.HighF, r.s.MinExceedSteps, r.s.LookAhead)
}

func (r *run) exceedsLow(t domain.Trajectory) bool {
	return t.ExceedsBelow(r.s.LowF, r.s.MinExceedSteps, r.s.LookAhead)
}

func (r *run) window() string {
	return fmt.Sprintf("%dm", int(r.s.LookAhead.Minutes()))
}

// decideShades closes the face(s) that contain a predicted high excursion
// and reopens them once the passive plan is back inside the dead band or
// sunset is near.
func (r *run) decideShades(reasons map[domain.Actuator]string) domain.ActuatorState {
	target := r.pin(r.snap.Actuators())
	passive := r.named[PlanPassive]
	peak := passive.Peak(r.s.LookAhead)
	closed := domain.ShadeCommand(domain.ShadeClosed)
	open := domain.ShadeCommand(domain.ShadeOpen)

	setShade := func(a domain.Actuator, cmd domain.Command, reason string) {
		if !r.free(a) {
			return
		}
		target = target.With(a, cmd)
		reasons[a] = reason
	}

	switch {
	case r.exceedsHigh(passive):
		why := fmt.Sprintf("predicted %.1f°F exceeds high threshold %.1f°F within %s", peak, r.s.HighF, r.window())

		east, west := r.named[PlanEastClosed], r.named[PlanWestClosed]
		reduceEast := peak - east.Peak(r.s.LookAhead)
		reduceWest := peak - west.Peak(r.s.LookAhead)
		eastSun, westSun := r.e.model.FaceWeights(r.now)

		first, second, firstAlone := domain.ActuatorShadesEast, domain.ActuatorShadesWest, east
		if reduceWest > reduceEast || (reduceWest == reduceEast && westSun > eastSun) {
			first, second, firstAlone = domain.ActuatorShadesWest, domain.ActuatorShadesEast, west
		}

		setShade(first, closed, why)
		if r.exceedsHigh(firstAlone) {
			setShade(second, closed, why+"; one face is not enough")
		} else if r.free(second) {
			// A face closed on an earlier cycle stays closed while the
			// excursion is predicted.
			reasons[second] = fmt.Sprintf("closing %s alone contains the excursion", first)
		}

	case peak <= r.s.HighF-r.s.DeadBandF:
		why := fmt.Sprintf("predicted peak %.1f°F is below %.1f°F without shades", peak, r.s.HighF-r.s.DeadBandF)
		setShade(domain.ActuatorShadesEast, open, why)
		setShade(domain.ActuatorShadesWest, open, why)

	case r.nearSunset():
		why := fmt.Sprintf("sunset within %s and no excursion predicted", r.s.SunsetLead)
		setShade(domain.ActuatorShadesEast, open, why)
		setShade(domain.ActuatorShadesWest, open, why)

	default:
		why := fmt.Sprintf("predicted peak %.1f°F inside dead band below %.1f°F", peak, r.s.HighF)
		for _, a := range []domain.Actuator{domain.ActuatorShadesEast, domain.ActuatorShadesWest} {
			if r.free(a) {
				reasons[a] = why
			}
		}
	}
	return target
}

// nearSunset reports whether the forecast has the sun down now or within
// SunsetLead.
func (r *run) nearSunset() bool {
	i := r.fc.NearestIndex(r.now)
	if i < 0 || r.s.SunsetLead <= 0 {
		return false
	}
	if !r.fc.Points[i].IsDay {
		return true
	}
	limit := r.now.Add(r.s.SunsetLead)
	for j := i + 1; j < len(r.fc.Points); j++ {
		at := r.fc.TimeAt(j)
		if at.After(limit) {
			break
		}
		if !r.fc.Points[j].IsDay {
			return true
		}
	}
	return false
}

// freeCooling reports whether outdoor air can cool the building, and why not.
func (r *run) freeCooling() (bool, string) {
	outdoor := r.snap.OutdoorTempF()
	limit := r.s.HighF - r.s.FreeCoolingMarginF
	switch {
	case outdoor > limit:
		return false, fmt.Sprintf("outdoor %.1f°F above %.1f°F", outdoor, limit)
	case r.snap.OutdoorHumidity() > r.s.VentMaxHumidity:
		return false, fmt.Sprintf("outdoor humidity %.0f%% above %.0f%%", r.snap.OutdoorHumidity(), r.s.VentMaxHumidity)
	case outdoor >= r.snap.IndoorTempF():
		return false, fmt.Sprintf("outdoor %.1f°F not below indoor %.1f°F", outdoor, r.snap.IndoorTempF())
	}
	return true, ""
}

// decideVentilation engages free cooling when the committed shades are not
// enough.
func (r *run) decideVentilation(target domain.ActuatorState, reasons map[domain.Actuator]string) domain.ActuatorState {
	withShades := r.simulate(PlanWithShades, r.pin(domain.SafeActuatorState().
		With(domain.ActuatorShadesEast, target.Get(domain.ActuatorShadesEast)).
		With(domain.ActuatorShadesWest, target.Get(domain.ActuatorShadesWest))))
	if !r.free(domain.ActuatorVentilation) {
		return target
	}

	peak := withShades.Peak(r.s.LookAhead)
	ok, whyNot := r.freeCooling()
	set := func(on bool, reason string) {
		target = target.With(domain.ActuatorVentilation, domain.SwitchCommand(on))
		reasons[domain.ActuatorVentilation] = reason
	}

	switch {
	case r.exceedsHigh(withShades) && ok:
		set(true, fmt.Sprintf("shades alone predict %.1f°F above high threshold %.1f°F; outdoor %.1f°F allows free cooling",
			peak, r.s.HighF, r.snap.OutdoorTempF()))
	case !ok:
		set(false, "free cooling unavailable: "+whyNot)
	case peak <= r.s.HighF-r.s.DeadBandF:
		set(false, fmt.Sprintf("not needed: predicted peak %.1f°F with shades is below %.1f°F", peak, r.s.HighF-r.s.DeadBandF))
	default:
		reasons[domain.ActuatorVentilation] = fmt.Sprintf("predicted peak %.1f°F inside dead band below %.1f°F", peak, r.s.HighF)
	}
	return target
}

// decideHVAC engages heating or cooling when shades and ventilation cannot
// hold the band.
func (r *run) decideHVAC(target domain.ActuatorState, reasons map[domain.Actuator]string) domain.ActuatorState {
	withoutHVAC := r.simulate(PlanWithoutHVAC, r.pin(target.With(domain.ActuatorHVAC, domain.HVACCommand(domain.HVACOff, 0))))
	if !r.free(domain.ActuatorHVAC) {
		return target
	}

	peak := withoutHVAC.Peak(r.s.LookAhead)
	trough := withoutHVAC.Trough(r.s.LookAhead)
	set := func(cmd domain.Command, reason string) {
		target = target.With(domain.ActuatorHVAC, cmd)
		reasons[domain.ActuatorHVAC] = reason
	}

	switch {
	case r.exceedsHigh(withoutHVAC):
		set(domain.HVACCommand(domain.HVACCool, r.s.CoolSetpointF),
			fmt.Sprintf("shades and ventilation still predict %.1f°F above high threshold %.1f°F within %s", peak, r.s.HighF, r.window()))
	case r.exceedsLow(withoutHVAC):
		set(domain.HVACCommand(domain.HVACHeat, r.s.HeatSetpointF),
			fmt.Sprintf("predicted %.1f°F falls below low threshold %.1f°F within %s", trough, r.s.LowF, r.window()))
	case target.HVACMode == domain.HVACOff:
		reasons[domain.ActuatorHVAC] = "no excursion predicted"
	case peak <= r.s.HighF-r.s.DeadBandF && trough >= r.s.LowF+r.s.DeadBandF:
		set(domain.HVACCommand(domain.HVACOff, 0),
			fmt.Sprintf("band holds without HVAC (%.1f to %.1f°F)", trough, peak))
	default:
		reasons[domain.ActuatorHVAC] = fmt.Sprintf("predicted %.1f to %.1f°F without HVAC is inside the dead band", trough, peak)
	}

	if target.HVACMode != domain.HVACOff && target.Ventilation && r.free(domain.ActuatorVentilation) {
		target = target.With(domain.ActuatorVentilation, domain.SwitchCommand(false))
		reasons[domain.ActuatorVentilation] = fmt.Sprintf("off while HVAC is in %s mode", target.HVACMode)
	}
	return target
}

func (r *run) action(a domain.Actuator, current, target domain.Command, reason string) Action {
	if o, ok := r.pinned[a]; ok {
		return Action{
			Actuator: a,
			Kind:            ActionOverridden,
			Command:         o.Command,
			Source:          o.Source,
			OverrideID:      o.ID,
			OverridePending: o.AppliedAt == nil,
			Reason:          fmt.Sprintf("skipped: overridden by %s until %s", o.Source, o.ExpiresAt.Format(time.RFC3339)),
		}
	}
	if err, ok := r.unreadable[a]; ok {
		return Action{
			Actuator: a,
			Kind:     ActionSkipped,
			Command:  current,
			Reason:   fmt.Sprintf("skipped: override state unavailable: %v", err),
		}
	}
	if target == current {
		if reason == "" {
			reason = "no change"
		}
		return Action{Actuator: a, Kind: ActionHold, Command: current, Reason: reason}
	}
	return Action{Actuator: a, Kind: ActionCommand, Command: target, Reason: reason}
}
