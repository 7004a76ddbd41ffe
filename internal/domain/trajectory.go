package domain

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// TrajectoryPoint is the simulated state at one step.
type TrajectoryPoint struct {
	Offset    time.Duration `json:"offset"`
	AirTempF  float64       `json:"air_temp_f"`
	MassTempF float64       `json:"mass_temp_f"`
}

// Trajectory is a simulated indoor temperature series for one plan. Points[0]
// sits at offset zero and equals the snapshot's indoor temperature; offsets
// increase strictly by Step.
type Trajectory struct {
	Plan   string            `json:"plan"`
	Step   time.Duration     `json:"step"`
	Points []TrajectoryPoint `json:"points"`
}

// Window returns the air temperatures at offsets within [0, window]. A
// non-positive window means the whole trajectory.
func (t Trajectory) Window(window time.Duration) []float64 {
	out := make([]float64, 0, len(t.Points))
	for _, p := range t.Points {
		if window > 0 && p.Offset > window {
			break
		}
		out = append(out, p.AirTempF)
	}
	return out
}

// Peak is the highest air temperature within the window.
func (t Trajectory) Peak(window time.Duration) float64 {
	w := t.Window(window)
	if len(w) == 0 {
		return 0
	}
	return floats.Max(w)
}

// Trough is the lowest air temperature within the window.
func (t Trajectory) Trough(window time.Duration) float64 {
	w := t.Window(window)
	if len(w) == 0 {
		return 0
	}
	return floats.Min(w)
}

// ExceedsAbove reports whether the air temperature stays above threshold for
// at least minSteps consecutive steps within the window. A single-step spike
// is not an excursion when minSteps > 1.
func (t Trajectory) ExceedsAbove(threshold float64, minSteps int, window time.Duration) bool {
	return t.runLength(window, func(v float64) bool { return v > threshold }) >= max(minSteps, 1)
}

// ExceedsBelow is the cold-side counterpart of ExceedsAbove.
func (t Trajectory) ExceedsBelow(threshold float64, minSteps int, window time.Duration) bool {
	return t.runLength(window, func(v float64) bool { return v < threshold }) >= max(minSteps, 1)
}

func (t Trajectory) runLength(window time.Duration, hit func(float64) bool) int {
	longest, run := 0, 0
	for _, v := range t.Window(window) {
		if hit(v) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

// FirstCrossing returns the offset of the first point above threshold.
func (t Trajectory) FirstCrossing(threshold float64) (time.Duration, bool) {
	for _, p := range t.Points {
		if p.AirTempF > threshold {
			return p.Offset, true
		}
	}
	return 0, false
}

// At returns the air temperature at offset, interpolating between steps and
// holding the end values outside the trajectory.
func (t Trajectory) At(offset time.Duration) float64 {
	n := len(t.Points)
	if n == 0 {
		return 0
	}
	if offset <= t.Points[0].Offset {
		return t.Points[0].AirTempF
	}
	if offset >= t.Points[n-1].Offset {
		return t.Points[n-1].AirTempF
	}
	for i := 1; i < n; i++ {
		if t.Points[i].Offset >= offset {
			a, b := t.Points[i-1], t.Points[i]
			frac := float64(offset-a.Offset) / float64(b.Offset-a.Offset)
			return a.AirTempF + frac*(b.AirTempF-a.AirTempF)
		}
	}
	return t.Points[n-1].AirTempF
}

// Final returns the last point.
func (t Trajectory) Final() TrajectoryPoint {
	if len(t.Points) == 0 {
		return TrajectoryPoint{}
	}
	return t.Points[len(t.Points)-1]
}

// Downsample keeps one point per interval for logging.
func (t Trajectory) Downsample(every time.Duration) Trajectory {
	if every <= t.Step || len(t.Points) == 0 {
		return t
	}
	out := Trajectory{Plan: t.Plan, Step: every}
	next := time.Duration(0)
	for _, p := range t.Points {
		if p.Offset >= next {
			out.Points = append(out.Points, p)
			next = p.Offset + every
		}
	}
	return out
}
