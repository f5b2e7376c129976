// Package acquisition scores candidate points by how promising the
// surrogate believes they are.
package acquisition

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement scores a predicted (mu, sigma) pair by the expected
// amount it improves on the best observed score. The engine minimizes, so
// improvement means predicting below the incumbent.
type ExpectedImprovement struct {
	bestObserved float64
	// xi trades exploration against exploitation; larger values demand a
	// bigger predicted gain before a point counts as improving.
	xi float64
}

// NewExpectedImprovement creates the acquisition with the given incumbent
// and exploration parameter.
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{bestObserved: bestObserved, xi: xi}
}

// Compute returns EI = improvement*Phi(z) + sigma*phi(z), with
// z = improvement/sigma and improvement = best - mu - xi. The result is
// always non-negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.bestObserved - mu - ei.xi
	if improvement <= 0 && sigma <= 1e-10 {
		return 0
	}
	if sigma <= 1e-10 {
		return improvement
	}

	z := improvement / sigma
	n := distuv.UnitNormal
	return improvement*n.CDF(z) + sigma*n.Prob(z)
}

// Gradient propagates surrogate derivatives through the EI formula.
func (ei *ExpectedImprovement) Gradient(mu, dmu, sigma, dsigma float64) float64 {
	if sigma <= 1e-10 {
		return -dmu
	}
	improvement := ei.bestObserved - mu - ei.xi
	z := improvement / sigma
	n := distuv.UnitNormal
	return -n.CDF(z)*dmu + n.Prob(z)*dsigma
}

// UpdateBest replaces the incumbent score.
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// SetXi sets the exploration parameter.
func (ei *ExpectedImprovement) SetXi(xi float64) {
	ei.xi = xi
}

// BestObserved returns the incumbent score.
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
