// Package optimization defines the contract between the search engine and
// the candidate evaluation pipeline.
package optimization

import (
	"context"
	"fmt"
)

// ObjectiveFunc scores one parameter vector. Implementations absorb
// recoverable evaluation failures into the returned score (penalty values);
// a non-nil error is systemic and aborts the run.
type ObjectiveFunc func(ctx context.Context, x []float64) (float64, error)

// State is the engine's position in its sampling cycle.
type State int

const (
	StateInitializing State = iota
	StateSampling
	StateEvaluating
	StateUpdating
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSampling:
		return "sampling"
	case StateEvaluating:
		return "evaluating"
	case StateUpdating:
		return "updating"
	case StateConverged:
		return "converged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Optimizer drives the design space search.
type Optimizer interface {
	// Optimize runs the search until a stopping criterion is met.
	Optimize(ctx context.Context) (*Result, error)

	// Best returns the best solution observed so far.
	Best() *Solution

	// History returns all evaluations in observation order.
	History() []Evaluation

	// State reports where the engine is in its cycle.
	State() State

	// Stop cancels a running optimization.
	Stop()
}

// Config holds the search configuration.
type Config struct {
	// Objective scores a parameter vector.
	Objective ObjectiveFunc

	// Bounds fix the admissible [min, max] range per dimension.
	Bounds [][2]float64

	// MaxEvaluations is the total evaluation budget, including the
	// initial space-filling design.
	MaxEvaluations int

	// InitialPoints is the size of the initial design.
	InitialPoints int

	// StallIterations stops the search after this many consecutive
	// iterations without improving the best score by more than
	// StallTolerance. Zero disables the stall criterion.
	StallIterations int
	StallTolerance  float64

	// DuplicateTolerance is the minimum distance, in unit-box
	// coordinates, between a new proposal and any evaluated point.
	// Closer proposals are reproposed instead of re-evaluated.
	DuplicateTolerance float64

	// BatchSize proposals are evaluated per iteration, by up to Workers
	// concurrent objective calls. Both default to 1 (serial).
	BatchSize int
	Workers   int

	// Seed makes runs reproducible; zero seeds from the clock.
	Seed int64
}

// Validate reports configuration errors before any evaluation is spent.
func (c Config) Validate() error {
	if c.Objective == nil {
		return NewError("objective function is required")
	}
	if len(c.Bounds) == 0 {
		return NewError("parameter bounds are required")
	}
	for i, b := range c.Bounds {
		if !(b[0] < b[1]) {
			return NewErrorf("bounds for dimension %d are empty: [%g, %g]", i, b[0], b[1])
		}
	}
	if c.MaxEvaluations < 1 {
		return NewErrorf("evaluation budget must be positive, got %d", c.MaxEvaluations)
	}
	if c.InitialPoints < 1 {
		return NewErrorf("initial design needs at least one point, got %d", c.InitialPoints)
	}
	if c.StallIterations < 0 || c.StallTolerance < 0 {
		return NewError("stall criterion must not be negative")
	}
	if c.DuplicateTolerance < 0 {
		return NewError("duplicate tolerance must not be negative")
	}
	if c.BatchSize < 0 || c.Workers < 0 {
		return NewError("batch size and workers must not be negative")
	}
	return nil
}

// Solution is one point in the design space with its observed score.
// Lower scores are better.
type Solution struct {
	Parameters []float64
	Score      float64
}

// Evaluation is one appended observation. Records are never mutated after
// creation; the history only grows.
type Evaluation struct {
	Index    int
	Solution *Solution
}

// Result is the outcome of a completed run.
type Result struct {
	Best        *Solution
	History     []Evaluation
	Evaluations int
	Converged   bool
	Reason      string
}
