// Package simulation builds and evaluates flow solver cases for candidate
// airfoil geometries. A case is a self-contained on-disk directory derived
// from a base template; the external mesh generator and steady-state solver
// are driven as subprocesses against it.
package simulation

import (
	"fmt"
	"math"
)

// Ideal gas and turbulence model constants.
const (
	gasGamma = 1.4
	gasR     = 287.053
	cMu      = 0.09
)

// Fluid holds the freestream fluid properties used by the similarity
// relations and the force coefficient normalization.
type Fluid struct {
	Density     float64 // rho_inf
	Temperature float64 // T_inf in Kelvin
}

// OperatingPoint is one entry of the design range: the flow condition a
// candidate geometry is evaluated at. Either Velocity or Mach must be set;
// the missing one is derived from the speed of sound at the freestream
// temperature.
type OperatingPoint struct {
	Alpha      float64 // angle of attack in degrees
	Reynolds   float64
	Velocity   float64 // freestream velocity, m/s
	Mach       float64
	Turbulence float64 // turbulence level Tu as a fraction, not percent
}

// Inflow carries the derived boundary and initial condition values for one
// operating point.
type Inflow struct {
	Velocity float64
	Mach     float64
	K        float64 // turbulent kinetic energy seed
	Omega    float64 // specific dissipation rate seed
	Nu       float64 // kinematic viscosity matching the Reynolds target
	ReTheta  float64 // transition onset momentum thickness Reynolds number
}

// DeriveInflow computes the inflow values for op via standard similarity
// relations. The Reynolds number is always based on the configured chord
// length, never on the rescaled simulation chord, so Re sweeps stay
// physically meaningful while the mesh dimensions stay fixed.
func DeriveInflow(op OperatingPoint, chord float64, fluid Fluid) (Inflow, error) {
	if chord <= 0 {
		return Inflow{}, fmt.Errorf("simulation: chord must be positive, got %g", chord)
	}
	if op.Reynolds <= 0 {
		return Inflow{}, fmt.Errorf("simulation: Reynolds number must be positive, got %g", op.Reynolds)
	}
	if op.Turbulence <= 0 || op.Turbulence >= 1 {
		return Inflow{}, fmt.Errorf("simulation: turbulence level must be a fraction in (0, 1), got %g", op.Turbulence)
	}

	a := math.Sqrt(gasGamma * gasR * fluid.Temperature)

	var in Inflow
	switch {
	case op.Velocity > 0:
		in.Velocity = op.Velocity
		in.Mach = op.Velocity / a
	case op.Mach > 0:
		in.Mach = op.Mach
		in.Velocity = op.Mach * a
	default:
		return Inflow{}, fmt.Errorf("simulation: operating point needs either velocity or Mach number")
	}

	in.K = 1.5 * math.Pow(in.Velocity*op.Turbulence, 2)
	in.Omega = math.Sqrt(in.K) / (chord * math.Pow(cMu, 0.25))
	in.Nu = fluid.Density * chord * in.Velocity / op.Reynolds
	in.ReTheta = reThetaCorrelation(op.Turbulence)

	return in, nil
}

// reThetaCorrelation is the Langtry-Menter freestream correlation for the
// transition onset Reynolds number, with Tu taken in percent.
func reThetaCorrelation(tu float64) float64 {
	tuPct := tu * 100
	if tuPct <= 1.3 {
		return 1173.51 - 589.428*tuPct + 0.2196/(tuPct*tuPct)
	}
	return 331.5 * math.Pow(tuPct-0.5658, -0.671)
}
