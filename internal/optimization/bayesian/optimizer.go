package bayesian

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/aerolab/foilopt/internal/optimization"
	"github.com/aerolab/foilopt/internal/optimization/acquisition"
	"github.com/aerolab/foilopt/internal/optimization/kernels"
)

// Engine runs Bayesian optimization: a Latin hypercube initial design,
// then a fit/propose/evaluate cycle that maximizes expected improvement
// over the Gaussian process posterior until the evaluation budget runs out
// or the best score stalls.
type Engine struct {
	cfg optimization.Config

	gp  *GP
	acq *acquisition.ExpectedImprovement
	rng *rand.Rand

	mu      sync.Mutex
	state   optimization.State
	best    *optimization.Solution
	history []optimization.Evaluation
	cancel  context.CancelFunc

	logger *zap.Logger
}

var _ optimization.Optimizer = (*Engine)(nil)

// NewEngine validates cfg and builds an engine. Zero BatchSize, Workers and
// InitialPoints fall back to serial evaluation with a ten-point design.
func NewEngine(cfg optimization.Config, logger *zap.Logger) (*Engine, error) {
	if cfg.InitialPoints < 1 {
		cfg.InitialPoints = 10
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Engine{
		cfg:     cfg,
		gp:      NewGP(kernels.NewMatern52(1.0, 1.0), 1e-6, logger),
		acq:     acquisition.NewExpectedImprovement(math.Inf(1), 0.01),
		rng:     rand.New(rand.NewSource(seed)),
		state:   optimization.StateInitializing,
		history: make([]optimization.Evaluation, 0, cfg.MaxEvaluations),
		logger:  logger.Named("bayesian"),
	}, nil
}

// Optimize runs the search to completion. The returned result's Converged
// flag is set when the stall criterion stopped the run; a run that merely
// spent its budget reports Converged false with the reason attached.
func (e *Engine) Optimize(ctx context.Context) (*optimization.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.setState(optimization.StateInitializing)
	nInit := e.cfg.InitialPoints
	if nInit > e.cfg.MaxEvaluations {
		nInit = e.cfg.MaxEvaluations
	}
	initial := e.latinHypercube(nInit)

	e.logger.Info("starting optimization",
		zap.Int("dims", len(e.cfg.Bounds)),
		zap.Int("initial_points", nInit),
		zap.Int("budget", e.cfg.MaxEvaluations),
	)

	e.setState(optimization.StateEvaluating)
	if err := e.evaluate(ctx, initial); err != nil {
		return nil, err
	}

	stall := 0
	converged := false
	reason := "evaluation budget exhausted"

	for e.evaluations() < e.cfg.MaxEvaluations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.setState(optimization.StateUpdating)
		if err := e.refit(); err != nil {
			return nil, err
		}

		e.setState(optimization.StateSampling)
		q := e.cfg.BatchSize
		if remaining := e.cfg.MaxEvaluations - e.evaluations(); q > remaining {
			q = remaining
		}
		batch := e.propose(q)

		prevBest := e.Best().Score
		e.setState(optimization.StateEvaluating)
		if err := e.evaluate(ctx, batch); err != nil {
			return nil, err
		}

		if prevBest-e.Best().Score > e.cfg.StallTolerance {
			stall = 0
		} else {
			stall++
			if e.cfg.StallIterations > 0 && stall >= e.cfg.StallIterations {
				converged = true
				reason = fmt.Sprintf("no improvement in %d iterations", stall)
				break
			}
		}
	}

	e.setState(optimization.StateConverged)

	best := e.Best()
	history := e.History()
	e.logger.Info("optimization finished",
		zap.Int("evaluations", len(history)),
		zap.Float64("best_score", best.Score),
		zap.String("reason", reason),
	)

	return &optimization.Result{
		Best:        best,
		History:     history,
		Evaluations: len(history),
		Converged:   converged,
		Reason:      reason,
	}, nil
}

// Best returns the best solution observed so far, or nil before any
// evaluation completes.
func (e *Engine) Best() *optimization.Solution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.best
}

// History returns a snapshot of all evaluations in observation order.
func (e *Engine) History() []optimization.Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]optimization.Evaluation, len(e.history))
	copy(out, e.history)
	return out
}

// State reports where the engine is in its cycle.
func (e *Engine) State() optimization.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop cancels a running optimization.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) setState(s optimization.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) evaluations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// evaluate scores every point, concurrently when configured, and appends
// the results to the history only after the whole batch completes. The
// surrogate never sees a half-finished batch.
func (e *Engine) evaluate(ctx context.Context, points [][]float64) error {
	scores := make([]float64, len(points))

	if e.cfg.Workers == 1 || len(points) == 1 {
		for i, x := range points {
			v, err := e.cfg.Objective(ctx, x)
			if err != nil {
				return optimization.WrapError(err, "objective evaluation failed")
			}
			scores[i] = v
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for i, x := range points {
			i, x := i, x
			g.Go(func() error {
				v, err := e.cfg.Objective(gctx, x)
				if err != nil {
					return err
				}
				scores[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return optimization.WrapError(err, "objective evaluation failed")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, x := range points {
		sol := &optimization.Solution{
			Parameters: append([]float64(nil), x...),
			Score:      scores[i],
		}
		e.history = append(e.history, optimization.Evaluation{
			Index:    len(e.history),
			Solution: sol,
		})
		if e.best == nil || sol.Score < e.best.Score {
			e.best = sol
			e.logger.Info("new best",
				zap.Int("index", len(e.history)-1),
				zap.Float64("score", sol.Score),
			)
		}
	}
	return nil
}

// refit rebuilds the surrogate from the full history. Observations are
// append-only, so a refit from history always reproduces the model state.
func (e *Engine) refit() error {
	e.mu.Lock()
	n := len(e.history)
	d := len(e.cfg.Bounds)
	X := mat.NewDense(n, d, nil)
	y := mat.NewVecDense(n, nil)
	for i, eval := range e.history {
		X.SetRow(i, eval.Solution.Parameters)
		y.SetVec(i, eval.Solution.Score)
	}
	best := e.best.Score
	e.mu.Unlock()

	if err := e.gp.Fit(X, y); err != nil {
		return err
	}
	e.acq.UpdateBest(best)
	return nil
}

// propose picks q points by maximizing the acquisition. Later points in a
// batch see the earlier ones as repulsive, and any proposal that lands
// within the duplicate tolerance of an evaluated point is replaced by a
// random exploration point rather than re-spending a solver run.
func (e *Engine) propose(q int) [][]float64 {
	batch := make([][]float64, 0, q)
	for len(batch) < q {
		x := e.maximizeAcquisition(batch)
		if e.tooClose(x, batch) {
			e.logger.Debug("proposal too close to an evaluated point, sampling randomly")
			// The replacement must clear the tolerance too; give up after a
			// bounded number of draws so an oversized tolerance cannot hang
			// the run.
			x = e.randomPoint()
			for attempt := 0; e.tooClose(x, batch) && attempt < 100; attempt++ {
				x = e.randomPoint()
			}
		}
		batch = append(batch, x)
	}
	return batch
}

// tooClose reports whether x lies within the duplicate tolerance of any
// history point or pending batch point, measured in unit-box coordinates.
func (e *Engine) tooClose(x []float64, batch [][]float64) bool {
	if e.cfg.DuplicateTolerance <= 0 {
		return false
	}
	for _, p := range batch {
		if e.unitDist(x, p) < e.cfg.DuplicateTolerance {
			return true
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, eval := range e.history {
		if e.unitDist(x, eval.Solution.Parameters) < e.cfg.DuplicateTolerance {
			return true
		}
	}
	return false
}

// unitDist is the Euclidean distance after mapping each coordinate to
// [0,1] by its bounds, so the tolerance means the same thing in every
// dimension.
func (e *Engine) unitDist(a, b []float64) float64 {
	sum := 0.0
	for i, bound := range e.cfg.Bounds {
		span := bound[1] - bound[0]
		d := (a[i] - b[i]) / span
		sum += d * d
	}
	return math.Sqrt(sum)
}

// clamped returns a copy of x projected into the bounds box, leaving x
// untouched.
func (e *Engine) clamped(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, b := range e.cfg.Bounds {
		out[i] = math.Max(b[0], math.Min(x[i], b[1]))
	}
	return out
}

func (e *Engine) randomPoint() []float64 {
	x := make([]float64, len(e.cfg.Bounds))
	for i, b := range e.cfg.Bounds {
		x[i] = b[0] + e.rng.Float64()*(b[1]-b[0])
	}
	return x
}

// latinHypercube draws n stratified points covering the bounded box.
func (e *Engine) latinHypercube(n int) [][]float64 {
	d := len(e.cfg.Bounds)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, d)
	}

	for i := 0; i < d; i++ {
		col := make([]float64, n)
		for j := 0; j < n; j++ {
			col[j] = (float64(j) + e.rng.Float64()) / float64(n)
		}
		e.rng.Shuffle(n, func(k, l int) {
			col[k], col[l] = col[l], col[k]
		})

		min, max := e.cfg.Bounds[i][0], e.cfg.Bounds[i][1]
		for j := 0; j < n; j++ {
			samples[j][i] = min + col[j]*(max-min)
		}
	}
	return samples
}

// maximizeAcquisition runs multi-start Nelder-Mead on the negated expected
// improvement. Points in repulse get a Gaussian penalty so a batch spreads
// out instead of collapsing onto one optimum.
func (e *Engine) maximizeAcquisition(repulse [][]float64) []float64 {
	d := len(e.cfg.Bounds)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			// Nelder-Mead owns x; evaluate a clamped copy instead of
			// projecting in place.
			p := e.clamped(x)
			mu, sigma, err := e.gp.PredictOne(p)
			if err != nil {
				return math.Inf(1)
			}
			val := e.acq.Compute(mu, sigma)
			return -val + e.repulsePenalty(p, repulse)
		},
	}

	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 100,
		},
	}

	nStarts := 5 + int(5*math.Sqrt(float64(d)))
	starts := make([][]float64, 0, nStarts)
	if best := e.Best(); best != nil {
		starts = append(starts, append([]float64(nil), best.Parameters...))
	}
	for len(starts) < nStarts {
		starts = append(starts, e.randomPoint())
	}

	bestX := e.randomPoint()
	bestVal := math.Inf(1)
	for _, start := range starts {
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.2,
		}
		result, err := optimize.Minimize(problem, start, settings, method)
		if err != nil || result == nil {
			continue
		}
		if result.F < bestVal {
			bestVal = result.F
			bestX = e.clamped(result.X)
		}
	}
	return bestX
}

// repulsePenalty adds a bump around each pending batch point. The width
// tracks the duplicate tolerance so "spread out" and "not a duplicate"
// agree on scale.
func (e *Engine) repulsePenalty(x []float64, repulse [][]float64) float64 {
	if len(repulse) == 0 {
		return 0
	}
	h := math.Max(e.cfg.DuplicateTolerance, 0.05)
	sum := 0.0
	for _, p := range repulse {
		d := e.unitDist(x, p)
		sum += math.Exp(-d * d / (2 * h * h))
	}
	return sum
}
