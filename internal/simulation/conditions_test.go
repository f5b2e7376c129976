package simulation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFluid = Fluid{Density: 1.0, Temperature: 273}

func TestDeriveInflowFromVelocity(t *testing.T) {
	op := OperatingPoint{
		Alpha:      2,
		Reynolds:   3e5,
		Velocity:   20,
		Turbulence: 0.01,
	}

	in, err := DeriveInflow(op, 0.15, testFluid)
	require.NoError(t, err)

	soundSpeed := math.Sqrt(1.4 * 287.053 * 273)
	assert.InDelta(t, 20/soundSpeed, in.Mach, 1e-12)
	assert.InDelta(t, 1.5*math.Pow(20*0.01, 2), in.K, 1e-12)
	assert.InDelta(t, math.Sqrt(in.K)/(0.15*math.Pow(0.09, 0.25)), in.Omega, 1e-12)
	assert.InDelta(t, 1.0*0.15*20/3e5, in.Nu, 1e-15)
	assert.Greater(t, in.ReTheta, 0.0)
}

func TestDeriveInflowFromMach(t *testing.T) {
	op := OperatingPoint{
		Reynolds:   3e5,
		Mach:       0.1,
		Turbulence: 0.01,
	}

	in, err := DeriveInflow(op, 0.15, testFluid)
	require.NoError(t, err)

	soundSpeed := math.Sqrt(1.4 * 287.053 * 273)
	assert.InDelta(t, 0.1*soundSpeed, in.Velocity, 1e-9)
	assert.InDelta(t, 0.1, in.Mach, 1e-12)
}

func TestDeriveInflowReynoldsUsesConfiguredChord(t *testing.T) {
	op := OperatingPoint{Reynolds: 3e5, Velocity: 20, Turbulence: 0.01}

	a, err := DeriveInflow(op, 0.15, testFluid)
	require.NoError(t, err)
	b, err := DeriveInflow(op, 0.30, testFluid)
	require.NoError(t, err)

	// The viscosity realizing the Reynolds target scales with the
	// configured chord; the derivation never sees a simulation chord.
	assert.InDelta(t, 2*a.Nu, b.Nu, 1e-15)
}

func TestDeriveInflowValidation(t *testing.T) {
	tests := []struct {
		name  string
		op    OperatingPoint
		chord float64
	}{
		{"missing velocity and Mach", OperatingPoint{Reynolds: 3e5, Turbulence: 0.01}, 0.15},
		{"zero Reynolds", OperatingPoint{Velocity: 20, Turbulence: 0.01}, 0.15},
		{"turbulence in percent", OperatingPoint{Reynolds: 3e5, Velocity: 20, Turbulence: 1.0}, 0.15},
		{"zero chord", OperatingPoint{Reynolds: 3e5, Velocity: 20, Turbulence: 0.01}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveInflow(tt.op, tt.chord, testFluid)
			require.Error(t, err)
		})
	}
}

func TestReThetaCorrelation(t *testing.T) {
	// Continuity around the 1.3% switchover and monotone decrease with Tu.
	low := reThetaCorrelation(0.012)
	high := reThetaCorrelation(0.02)
	assert.Greater(t, low, high)
	assert.Greater(t, high, 0.0)
}
