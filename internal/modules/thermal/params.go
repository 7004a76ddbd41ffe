package thermal

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // site time zones resolve on hosts without zoneinfo
)

// Physical constants.
const (
	airDensityKgM3   = 1.2
	airSpecificHeatJ = 1006.0
	rhoCp            = airDensityKgM3 * airSpecificHeatJ // J/(m³·K)
)

// Params are the greenhouse's physical parameters. Values come from the
// model file and are fixed for the life of the process.
type Params struct {
	// Integration
	StepSeconds float64 `yaml:"step_seconds" json:"step_seconds"`

	// Site / sun geometry
	Timezone      string  `yaml:"timezone" json:"timezone"`
	SolarNoonHour float64 `yaml:"solar_noon_hour" json:"solar_noon_hour"`
	SunSideBias   float64 `yaml:"sun_side_bias" json:"sun_side_bias"`

	// Solar aperture
	FloorAreaM2        float64 `yaml:"floor_area_m2" json:"floor_area_m2"`
	RoofEastAreaM2     float64 `yaml:"roof_east_area_m2" json:"roof_east_area_m2"`
	RoofWestAreaM2     float64 `yaml:"roof_west_area_m2" json:"roof_west_area_m2"`
	CoverTransmittance float64 `yaml:"cover_transmittance" json:"cover_transmittance"`
	ShadeBlockFraction float64 `yaml:"shade_block_fraction" json:"shade_block_fraction"`
	MassSolarFraction  float64 `yaml:"mass_solar_fraction" json:"mass_solar_fraction"`
	LatentFraction     float64 `yaml:"latent_fraction" json:"latent_fraction"`

	// Envelope
	EnvelopeUWm2K    float64 `yaml:"envelope_u_w_m2k" json:"envelope_u_w_m2k"`
	EnvelopeAreaM2   float64 `yaml:"envelope_area_m2" json:"envelope_area_m2"`
	NorthWallAreaM2  float64 `yaml:"north_wall_area_m2" json:"north_wall_area_m2"`
	NorthWallUFactor float64 `yaml:"north_wall_u_factor" json:"north_wall_u_factor"`

	// Heat capacities and couplings
	AirHeatCapacityJK  float64 `yaml:"air_heat_capacity_j_k" json:"air_heat_capacity_j_k"`
	MassHeatCapacityJK float64 `yaml:"mass_heat_capacity_j_k" json:"mass_heat_capacity_j_k"`
	MassCouplingWK     float64 `yaml:"mass_coupling_w_k" json:"mass_coupling_w_k"`
	GroundCouplingWK   float64 `yaml:"ground_coupling_w_k" json:"ground_coupling_w_k"`
	GroundTempF        float64 `yaml:"ground_temp_f" json:"ground_temp_f"`

	// Actuators
	VentFlowM3s   float64 `yaml:"vent_flow_m3_s" json:"vent_flow_m3_s"`
	HVACCapacityW float64 `yaml:"hvac_capacity_w" json:"hvac_capacity_w"`
	HVACBandF     float64 `yaml:"hvac_band_f" json:"hvac_band_f"`
}

// DefaultParams describes a small single-zone polycarbonate greenhouse with
// a concrete/gravel thermal mass and an 18k BTU heat pump.
func DefaultParams() Params {
	return Params{
		StepSeconds:        30,
		Timezone:           "UTC",
		SolarNoonHour:      13.0,
		SunSideBias:        0.5,
		FloorAreaM2:        39.74,
		RoofEastAreaM2:     24.8,
		RoofWestAreaM2:     24.8,
		CoverTransmittance: 0.82,
		ShadeBlockFraction: 0.9,
		MassSolarFraction:  0.40,
		LatentFraction:     0.10,
		EnvelopeUWm2K:      5.8,
		EnvelopeAreaM2:     104.7,
		NorthWallAreaM2:    14.2,
		NorthWallUFactor:   0.5,
		AirHeatCapacityJK:  151200,
		MassHeatCapacityJK: 1.0e7,
		MassCouplingWK:     150,
		GroundCouplingWK:   10,
		GroundTempF:        55,
		VentFlowM3s:        0.944,
		HVACCapacityW:      5275,
		HVACBandF:          4,
	}
}

// ErrInvalidParams wraps every validation failure.
var ErrInvalidParams = errors.New("invalid thermal parameters")

type bound struct {
	name     string
	value    float64
	min, max float64
	openMin  bool
}

// Validate rejects physically implausible parameters and step sizes that
// would make the explicit integration oscillate.
func (p Params) Validate() error {
	bounds := []bound{
		{"step_seconds", p.StepSeconds, 0, 60, true},
		{"solar_noon_hour", p.SolarNoonHour, 10, 15, false},
		{"sun_side_bias", p.SunSideBias, 0, 0.5, false},
		{"floor_area_m2", p.FloorAreaM2, 0, 10000, true},
		{"roof_east_area_m2", p.RoofEastAreaM2, 0, 10000, false},
		{"roof_west_area_m2", p.RoofWestAreaM2, 0, 10000, false},
		{"cover_transmittance", p.CoverTransmittance, 0, 1, true},
		{"shade_block_fraction", p.ShadeBlockFraction, 0, 1, false},
		{"mass_solar_fraction", p.MassSolarFraction, 0, 0.95, false},
		{"latent_fraction", p.LatentFraction, 0, 0.5, false},
		{"envelope_u_w_m2k", p.EnvelopeUWm2K, 0, 20, true},
		{"envelope_area_m2", p.EnvelopeAreaM2, 0, 100000, true},
		{"north_wall_area_m2", p.NorthWallAreaM2, 0, 10000, false},
		{"north_wall_u_factor", p.NorthWallUFactor, 0, 1, false},
		{"air_heat_capacity_j_k", p.AirHeatCapacityJK, 0, 1e9, true},
		{"mass_heat_capacity_j_k", p.MassHeatCapacityJK, 0, 1e11, false},
		{"mass_coupling_w_k", p.MassCouplingWK, 0, 1e5, false},
		{"ground_coupling_w_k", p.GroundCouplingWK, 0, 1e5, false},
		{"ground_temp_f", p.GroundTempF, -20, 100, false},
		{"vent_flow_m3_s", p.VentFlowM3s, 0, 100, false},
		{"hvac_capacity_w", p.HVACCapacityW, 0, 1e6, false},
		{"hvac_band_f", p.HVACBandF, 0, 20, true},
	}
	for _, b := range bounds {
		low := b.value < b.min || (b.openMin && b.value == b.min)
		if low || b.value > b.max {
			return fmt.Errorf("%w: %s=%g outside [%g, %g]", ErrInvalidParams, b.name, b.value, b.min, b.max)
		}
	}
	if p.MassHeatCapacityJK > 0 && p.MassCouplingWK == 0 {
		return fmt.Errorf("%w: mass node needs mass_coupling_w_k > 0", ErrInvalidParams)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidParams, p.Timezone, err)
	}

	// Largest conductance the air node can see in one step.
	g := p.envelopeUA() + rhoCp*p.VentFlowM3s + p.MassCouplingWK + p.GroundCouplingWK + p.HVACCapacityW/fDeltaToC(p.HVACBandF)
	if ratio := p.StepSeconds * g / p.AirHeatCapacityJK; ratio >= 1 {
		return fmt.Errorf("%w: step %.0fs too large for air node (dt·G/C = %.2f, must be < 1)", ErrInvalidParams, p.StepSeconds, ratio)
	}
	return nil
}

func (p Params) envelopeUA() float64 {
	return p.EnvelopeUWm2K*p.EnvelopeAreaM2 + p.EnvelopeUWm2K*p.NorthWallAreaM2*p.NorthWallUFactor
}

func (p Params) massEnabled() bool {
	return p.MassHeatCapacityJK > 0
}

func fToC(f float64) float64 { return (f - 32) * 5 / 9 }

func cToF(c float64) float64 { return c*9/5 + 32 }

func fDeltaToC(d float64) float64 { return d * 5 / 9 }
