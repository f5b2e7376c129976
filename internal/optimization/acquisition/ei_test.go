package acquisition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeKnownValues(t *testing.T) {
	t.Run("far worse than incumbent", func(t *testing.T) {
		ei := NewExpectedImprovement(1.0, 0.01)
		got := ei.Compute(1.5, 0.1)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.InDelta(t, 0.0, got, 1e-4, "five sigma above the incumbent leaves almost no EI")
	})

	t.Run("clear improvement", func(t *testing.T) {
		ei := NewExpectedImprovement(1.0, 0.01)
		// improvement = 0.49, z = 2.45; dominated by the CDF term.
		got := ei.Compute(0.5, 0.2)
		assert.InDelta(t, 0.4905, got, 1e-4)
	})

	t.Run("zero sigma returns raw improvement", func(t *testing.T) {
		ei := NewExpectedImprovement(1.0, 0)
		assert.InDelta(t, 0.5, ei.Compute(0.5, 0), 1e-12)
		assert.Equal(t, 0.0, ei.Compute(1.5, 0))
	})
}

func TestComputeRewardsUncertainty(t *testing.T) {
	ei := NewExpectedImprovement(1.0, 0)
	// Same mean, more predictive spread means more expected improvement.
	assert.Greater(t, ei.Compute(1.0, 0.5), ei.Compute(1.0, 0.1))
}

func TestUpdateBest(t *testing.T) {
	ei := NewExpectedImprovement(1.0, 0.01)
	assert.Equal(t, 1.0, ei.BestObserved())

	ei.UpdateBest(0.5)
	assert.Equal(t, 0.5, ei.BestObserved())
	assert.Greater(t, ei.Compute(0.4, 0.1), 0.0, "a point below the new incumbent must have positive EI")
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	ei := NewExpectedImprovement(1.0, 0.01)

	const (
		mu, sigma   = 0.5, 0.5
		dmu, dsigma = 1.0, 1.0
		h           = 1e-6
	)

	grad := ei.Gradient(mu, dmu, sigma, dsigma)

	f := func(eps float64) float64 {
		return ei.Compute(mu+eps*dmu, sigma+eps*dsigma)
	}
	numerical := (f(h) - f(-h)) / (2 * h)

	assert.InDelta(t, numerical, grad, 1e-6)
}
