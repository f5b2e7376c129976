package kernels

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRBFEval(t *testing.T) {
	tests := []struct {
		name   string
		x1, x2 []float64
		ls, sv float64
		want   float64
	}{
		{"same point", []float64{1, 2}, []float64{1, 2}, 1, 1, 1},
		{"unit distance per dim", []float64{0, 0}, []float64{1, 1}, 1, 1, math.Exp(-1)},
		{"length scale rescales", []float64{0, 0}, []float64{2, 2}, 2, 1, math.Exp(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewRBF(tt.ls, tt.sv)
			got := k.Eval(tt.x1, tt.x2)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.InDelta(t, got, k.Eval(tt.x2, tt.x1), 1e-12, "kernel must be symmetric")
		})
	}
}

func TestMatern52Eval(t *testing.T) {
	k := NewMatern52(1, 1)

	assert.InDelta(t, 1.0, k.Eval([]float64{1, 2}, []float64{1, 2}), 1e-12)

	r := math.Sqrt(2)
	want := (1 + math.Sqrt(5)*r + (5.0/3.0)*2) * math.Exp(-math.Sqrt(5)*r)
	got := k.Eval([]float64{0, 0}, []float64{1, 1})
	assert.InDelta(t, want, got, 1e-12)
	assert.InDelta(t, got, k.Eval([]float64{1, 1}, []float64{0, 0}), 1e-12)
}

func TestMatern52HeavierTailsThanRBF(t *testing.T) {
	rbf := NewRBF(1, 1)
	mat := NewMatern52(1, 1)

	// At larger separations the Matérn kernel keeps more covariance.
	x, y := []float64{0, 0}, []float64{2, 2}
	assert.Greater(t, mat.Eval(x, y), rbf.Eval(x, y))
}

func TestSetHyperparameters(t *testing.T) {
	tests := []struct {
		name    string
		kernel  Kernel
		params  []float64
		wantErr bool
	}{
		{"RBF valid", NewRBF(1, 1), []float64{2, 3}, false},
		{"RBF wrong count", NewRBF(1, 1), []float64{1}, true},
		{"RBF negative", NewRBF(1, 1), []float64{-1, 1}, true},
		{"Matern52 valid", NewMatern52(1, 1), []float64{2, 3}, false},
		{"Matern52 zero", NewMatern52(1, 1), []float64{0, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kernel.SetHyperparameters(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params, tt.kernel.Hyperparameters())
		})
	}
}

func TestConstructorPanicsOnInvalidParams(t *testing.T) {
	assert.Panics(t, func() { NewRBF(0, 1) })
	assert.Panics(t, func() { NewMatern52(1, -1) })
}
