// Package evaluator scores candidate parameter vectors by running the
// full pipeline: shape generation, one solver case per operating point in
// the design range, and aggregation of the resulting coefficients.
package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aerolab/foilopt/internal/geometry"
	"github.com/aerolab/foilopt/internal/objective"
	"github.com/aerolab/foilopt/internal/optimization"
	"github.com/aerolab/foilopt/internal/simulation"
)

// CandidateRecord is the complete outcome of one candidate evaluation.
// Records are immutable once appended to a run's history.
type CandidateRecord struct {
	ID         string
	RunID      string
	Parameters []float64
	Score      float64
	// Results holds one entry per design range point, in range order.
	// Empty when the geometry was rejected before any solver run.
	Results []simulation.Result
	// Invalid marks a candidate rejected by the geometry validator; the
	// score is the penalty and no solver time was spent.
	Invalid       bool
	InvalidReason string
	Duration      time.Duration
	CreatedAt     time.Time
}

// Recorder persists candidate records.
type Recorder interface {
	Append(ctx context.Context, rec *CandidateRecord) error
}

// Config holds the evaluation pipeline configuration.
type Config struct {
	// NUpper and NLower are the CST weight counts per surface used to
	// split incoming parameter vectors.
	NUpper int
	NLower int

	// Geometry is the shape generation and validation configuration.
	Geometry geometry.Config

	// DesignRange is the ordered list of operating points each candidate
	// is scored over.
	DesignRange []simulation.OperatingPoint

	// PolarDir, when set, receives one polar table (alpha, cl, cd, cm)
	// per candidate.
	PolarDir string
}

// Evaluator runs candidates through the pipeline. It is safe for
// concurrent use; each evaluation works in its own case directories.
type Evaluator struct {
	cfg      Config
	runID    string
	builder  *simulation.Builder
	driver   *simulation.Driver
	scorer   *objective.Scorer
	recorder Recorder
	metrics  *Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	failures map[simulation.FailureKind]int
	invalid  int
}

// New wires an evaluator. recorder, metrics and logger may be nil.
func New(cfg Config, runID string, builder *simulation.Builder, driver *simulation.Driver,
	scorer *objective.Scorer, recorder Recorder, metrics *Metrics, logger *zap.Logger) (*Evaluator, error) {

	if cfg.NUpper < 1 || cfg.NLower < 1 {
		return nil, optimization.NewError("evaluator needs at least one weight per surface")
	}
	if len(cfg.DesignRange) == 0 {
		return nil, optimization.NewError("design range must not be empty")
	}
	if builder == nil || driver == nil || scorer == nil {
		return nil, optimization.NewError("builder, driver and scorer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{
		cfg:      cfg,
		runID:    runID,
		builder:  builder,
		driver:   driver,
		scorer:   scorer,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("evaluator"),
		failures: make(map[simulation.FailureKind]int),
	}, nil
}

// Objective adapts the evaluator to the optimizer's objective contract.
func (e *Evaluator) Objective() optimization.ObjectiveFunc {
	return func(ctx context.Context, x []float64) (float64, error) {
		rec, err := e.Evaluate(ctx, x)
		if err != nil {
			return 0, err
		}
		return rec.Score, nil
	}
}

// Evaluate scores one parameter vector. Recoverable failures (invalid
// geometry, mesh or solver failures, per-point timeouts) are folded into
// the score; a non-nil error means the run itself cannot continue.
func (e *Evaluator) Evaluate(ctx context.Context, x []float64) (*CandidateRecord, error) {
	start := time.Now()
	rec := &CandidateRecord{
		ID:         uuid.New().String(),
		RunID:      e.runID,
		Parameters: append([]float64(nil), x...),
		CreatedAt:  start,
	}

	params, err := geometry.SplitVector(x, e.cfg.NUpper, e.cfg.NLower)
	if err != nil {
		return nil, optimization.WrapError(err, "splitting parameter vector")
	}

	surface, err := geometry.Generate(params, e.cfg.Geometry)
	if err != nil {
		if geometry.IsInvalidGeometry(err) {
			return e.finishInvalid(ctx, rec, err, start), nil
		}
		return nil, optimization.WrapError(err, "generating candidate surface")
	}

	results, err := e.runDesignRange(ctx, surface)
	if err != nil {
		return nil, err
	}

	score, err := e.scorer.Aggregate(results)
	if err != nil {
		return nil, optimization.WrapError(err, "aggregating design range results")
	}

	rec.Results = results
	rec.Score = score
	rec.Duration = time.Since(start)

	e.observe(rec)
	if e.cfg.PolarDir != "" {
		if err := writePolar(e.cfg.PolarDir, rec); err != nil {
			e.logger.Warn("polar file not written", zap.Error(err), zap.String("candidate", rec.ID))
		}
	}
	e.record(ctx, rec)

	e.logger.Info("candidate evaluated",
		zap.String("candidate", rec.ID),
		zap.Float64("score", rec.Score),
		zap.Duration("duration", rec.Duration),
	)
	return rec, nil
}

// runDesignRange evaluates the operating points in order, warm-starting
// each case from the most recent converged one. A prior case directory is
// kept alive until the case started from it has finished.
func (e *Evaluator) runDesignRange(ctx context.Context, surface *geometry.Surface) ([]simulation.Result, error) {
	results := make([]simulation.Result, 0, len(e.cfg.DesignRange))
	var prior *simulation.Case

	for _, op := range e.cfg.DesignRange {
		c, err := e.builder.Build(surface, op, prior)
		if err != nil {
			return nil, optimization.WrapErrorf(err, "building case for alpha %.3f", op.Alpha)
		}

		res, err := e.driver.Evaluate(ctx, c)
		if err != nil {
			e.cleanup(ctx, c)
			e.cleanup(ctx, prior)
			return nil, err
		}
		results = append(results, res)

		if res.Converged {
			e.cleanup(ctx, prior)
			prior = c
		} else {
			e.cleanup(ctx, c)
		}
	}
	e.cleanup(ctx, prior)

	return results, nil
}

func (e *Evaluator) cleanup(ctx context.Context, c *simulation.Case) {
	if c == nil {
		return
	}
	if err := e.driver.Cleanup(ctx, c); err != nil {
		e.logger.Warn("case cleanup failed", zap.Error(err), zap.String("case", c.ID))
	}
}

func (e *Evaluator) finishInvalid(ctx context.Context, rec *CandidateRecord, cause error, start time.Time) *CandidateRecord {
	rec.Invalid = true
	rec.InvalidReason = cause.Error()
	rec.Score = e.scorer.Penalty()
	rec.Duration = time.Since(start)

	e.mu.Lock()
	e.invalid++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Evaluations.Inc()
		e.metrics.InvalidGeometries.Inc()
	}
	e.record(ctx, rec)

	e.logger.Info("candidate rejected by geometry validator",
		zap.String("candidate", rec.ID),
		zap.String("reason", rec.InvalidReason),
	)
	return rec
}

func (e *Evaluator) observe(rec *CandidateRecord) {
	e.mu.Lock()
	for _, res := range rec.Results {
		if res.Failed() {
			e.failures[res.Failure]++
		}
	}
	e.mu.Unlock()

	if e.metrics == nil {
		return
	}
	e.metrics.Evaluations.Inc()
	for _, res := range rec.Results {
		if res.Failed() {
			e.metrics.PointFailures.WithLabelValues(string(res.Failure)).Inc()
		}
		e.metrics.SolverSeconds.Observe(res.WallClock.Seconds())
	}
}

func (e *Evaluator) record(ctx context.Context, rec *CandidateRecord) {
	if e.recorder == nil {
		return
	}
	// History persistence failing should not waste the solver time already
	// spent on the candidate.
	if err := e.recorder.Append(ctx, rec); err != nil {
		e.logger.Error("history append failed", zap.Error(err), zap.String("candidate", rec.ID))
	}
}

// FailureCounts returns how many design range points failed, by kind,
// plus geometry rejections under the "geometry" key.
func (e *Evaluator) FailureCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.failures)+1)
	for kind, n := range e.failures {
		out[string(kind)] = n
	}
	if e.invalid > 0 {
		out["geometry"] = e.invalid
	}
	return out
}
