// Package objective reduces aerodynamic coefficients to the scalar score
// the optimizer minimizes. The three coefficients pull in conflicting
// directions (drag and pitching moment down, lift up), so the reduction is
// an explicitly configured weighted combination, and the policy for
// combining multiple operating points is configuration, not convention.
package objective

import (
	"fmt"
	"math"

	"github.com/aerolab/foilopt/internal/simulation"
)

// Mode selects the per-point scoring formula.
type Mode string

const (
	// ModeMaxLift scores w_D*cd + w_M*|cm| - w_L*cl. Lower is better and
	// the score is strictly monotonic in each coefficient.
	ModeMaxLift Mode = "max-lift"
	// ModeLiftTarget scores w_D*cd + w_M*|cm| + w_L*|cl_target - cl|,
	// rewarding proximity to a design lift coefficient instead of raw lift.
	ModeLiftTarget Mode = "lift-target"
)

// Combine selects how per-point scores reduce to one scalar across the
// design range.
type Combine string

const (
	CombineMean Combine = "mean"
	// CombineWorst takes the largest (worst) per-point score, optimizing
	// the weakest operating point.
	CombineWorst Combine = "worst"
	// CombineAlphaWeighted sums scores weighted by proximity of each
	// point's angle of attack to the target angle.
	CombineAlphaWeighted Combine = "alpha-weighted"
)

// Weights are the non-negative objective weights.
type Weights struct {
	Drag   float64
	Lift   float64
	Moment float64
}

// Config assembles the full aggregation policy.
type Config struct {
	Weights    Weights
	Mode       Mode
	LiftTarget float64 // used by ModeLiftTarget
	Combine    Combine
	// AlphaTarget and the alpha span of the design range drive
	// CombineAlphaWeighted.
	AlphaTarget float64
	// Penalty is the score contributed by a failed operating point.
	Penalty float64
}

// DefaultConfig mirrors the historical weighting: drag 0.45, lift 0.35,
// moment 0.2, penalty 10.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{Drag: 0.45, Lift: 0.35, Moment: 0.2},
		Mode:    ModeMaxLift,
		Combine: CombineMean,
		Penalty: 10,
	}
}

// Scorer applies the configured aggregation policy.
type Scorer struct {
	cfg Config
}

// NewScorer validates cfg and returns a Scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if cfg.Weights.Drag < 0 || cfg.Weights.Lift < 0 || cfg.Weights.Moment < 0 {
		return nil, fmt.Errorf("objective: weights must be non-negative, got %+v", cfg.Weights)
	}
	switch cfg.Mode {
	case ModeMaxLift, ModeLiftTarget:
	default:
		return nil, fmt.Errorf("objective: unknown mode %q", cfg.Mode)
	}
	switch cfg.Combine {
	case CombineMean, CombineWorst, CombineAlphaWeighted:
	default:
		return nil, fmt.Errorf("objective: unknown combine policy %q", cfg.Combine)
	}
	if cfg.Penalty <= 0 {
		return nil, fmt.Errorf("objective: penalty must be positive, got %g", cfg.Penalty)
	}
	return &Scorer{cfg: cfg}, nil
}

// Penalty returns the configured worst-case score for one failed point.
func (s *Scorer) Penalty() float64 {
	return s.cfg.Penalty
}

// PointScore scores a single evaluation. Failed evaluations contribute the
// penalty; non-converged but usable coefficients are scored as-is.
func (s *Scorer) PointScore(r simulation.Result) float64 {
	if r.Failed() {
		return s.cfg.Penalty
	}
	c := r.Coefficients
	base := s.cfg.Weights.Drag*c.Cd + s.cfg.Weights.Moment*math.Abs(c.Cm)
	switch s.cfg.Mode {
	case ModeLiftTarget:
		return base + s.cfg.Weights.Lift*math.Abs(s.cfg.LiftTarget-c.Cl)
	default:
		return base - s.cfg.Weights.Lift*c.Cl
	}
}

// Aggregate reduces the ordered design range results to one scalar. A
// failed point contributes its penalty instead of aborting the candidate,
// so a single bad operating point discourages the geometry without
// crashing the search.
func (s *Scorer) Aggregate(results []simulation.Result) (float64, error) {
	if len(results) == 0 {
		return 0, fmt.Errorf("objective: no results to aggregate")
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = s.PointScore(r)
	}

	switch s.cfg.Combine {
	case CombineWorst:
		worst := scores[0]
		for _, v := range scores[1:] {
			if v > worst {
				worst = v
			}
		}
		return worst, nil
	case CombineAlphaWeighted:
		return s.alphaWeighted(results, scores)
	default:
		sum := 0.0
		for _, v := range scores {
			sum += v
		}
		return sum / float64(len(scores)), nil
	}
}

// alphaWeighted weights each point by 1 - |alpha_target - alpha| / span,
// emphasizing the design point while still counting the off-design sweep.
func (s *Scorer) alphaWeighted(results []simulation.Result, scores []float64) (float64, error) {
	minA, maxA := results[0].Point.Alpha, results[0].Point.Alpha
	for _, r := range results[1:] {
		minA = math.Min(minA, r.Point.Alpha)
		maxA = math.Max(maxA, r.Point.Alpha)
	}
	span := maxA - minA
	if span <= 0 {
		return 0, fmt.Errorf("objective: alpha weighting needs a spread of angles, got span %g", span)
	}

	sum := 0.0
	for i, r := range results {
		w := 1 - math.Abs(s.cfg.AlphaTarget-r.Point.Alpha)/span
		sum += w * scores[i]
	}
	return sum, nil
}
