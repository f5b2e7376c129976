package simulation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FailureKind classifies a failed evaluation. An empty kind means the
// evaluation produced usable coefficients, converged or not.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureMesh    FailureKind = "mesh"
	FailureTimeout FailureKind = "timeout"
	FailureSolver  FailureKind = "solver"
	FailureResults FailureKind = "results"
)

// Coefficients are the integrated aerodynamic loads of one evaluation.
type Coefficients struct {
	Cd float64 // drag
	Cl float64 // lift
	Cm float64 // pitching moment
}

// Result is the immutable outcome of evaluating one case. A non-converged
// solve still carries the best available coefficients; a failed one carries
// the configured penalty coefficients instead.
type Result struct {
	Point         OperatingPoint
	Coefficients  Coefficients
	Converged     bool
	Failure       FailureKind
	Iterations    int
	FinalResidual float64
	WallClock     time.Duration
}

// Failed reports whether the evaluation produced no usable coefficients.
// Non-convergence alone is not a failure.
func (r Result) Failed() bool {
	return r.Failure != FailureNone
}

// CleanupPolicy decides what happens to a case directory once its result
// has been extracted and it is no longer needed as a warm start prior.
type CleanupPolicy string

const (
	CleanupKeep   CleanupPolicy = "keep"   // leave the directory untouched
	CleanupClean  CleanupPolicy = "clean"  // run the clean script, keep the directory
	CleanupRemove CleanupPolicy = "remove" // delete the directory
)

// DriverConfig configures subprocess execution and the convergence policy.
type DriverConfig struct {
	// MeshScript and SolveScript are executables inside the case directory,
	// following the pre-run / run script layout of the base template.
	MeshScript  string
	SolveScript string
	CleanScript string

	// Timeout is the wall clock budget for one solver invocation.
	Timeout time.Duration

	// MaxIterations caps the solver iteration count considered; reaching it
	// marks the result non-converged but keeps the coefficients.
	MaxIterations int
	// ResidualThreshold and SustainIterations define convergence: every
	// monitored residual must stay below the threshold for this many
	// consecutive iterations.
	ResidualThreshold float64
	SustainIterations int

	// PenaltyCoefficient is the worst-case coefficient value substituted
	// for failed evaluations.
	PenaltyCoefficient float64

	// ForcesFile and SolverLog are case-relative result locations.
	ForcesFile string
	SolverLog  string

	Cleanup CleanupPolicy
}

// DefaultDriverConfig matches the base template layout.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		MeshScript:         "Allrun.pre",
		SolveScript:        "Allrun",
		CleanScript:        "Allclean",
		Timeout:            30 * time.Minute,
		MaxIterations:      5000,
		ResidualThreshold:  1e-5,
		SustainIterations:  20,
		PenaltyCoefficient: 10,
		ForcesFile:         filepath.Join("postProcessing", "forces", "0", "coefficient.dat"),
		SolverLog:          "log.solver",
		Cleanup:            CleanupClean,
	}
}

// Driver runs the external mesh generator and flow solver against cases.
type Driver struct {
	cfg    DriverConfig
	logger *zap.Logger
}

// NewDriver returns a Driver using cfg; nil logger disables logging.
func NewDriver(cfg DriverConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, logger: logger.Named("driver")}
}

// Evaluate meshes and solves the case and extracts coefficients. All
// per-case failures are absorbed into the Result so the optimization loop
// keeps running across bad candidates; only ctx cancellation from the
// caller side surfaces as an error.
func (d *Driver) Evaluate(ctx context.Context, c *Case) (Result, error) {
	start := time.Now()
	res := Result{Point: c.Point}

	if err := d.runScript(ctx, c, d.cfg.MeshScript); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, errTimeout) {
			return res, ctxErr
		}
		d.logger.Warn("mesh generation failed",
			zap.String("case", c.ID),
			zap.Error(err))
		return d.penalize(res, failureFor(err, FailureMesh), start), nil
	}

	solveErr := d.runScript(ctx, c, d.cfg.SolveScript)
	if solveErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(solveErr, errTimeout) {
			return res, ctxErr
		}
		if errors.Is(solveErr, errTimeout) {
			d.logger.Warn("solver exceeded wall clock budget",
				zap.String("case", c.ID),
				zap.Duration("timeout", d.cfg.Timeout))
			return d.penalize(res, FailureTimeout, start), nil
		}
		// A non-zero exit may still have produced usable iterations; fall
		// through and let result extraction decide.
		d.logger.Warn("solver exited with error",
			zap.String("case", c.ID),
			zap.Error(solveErr))
	}

	residuals, err := d.readResiduals(c)
	if err == nil {
		res.Iterations = len(residuals)
		if len(residuals) > 0 {
			res.FinalResidual = residuals[len(residuals)-1]
		}
		res.Converged = converged(residuals, d.cfg.ResidualThreshold, d.cfg.SustainIterations, d.cfg.MaxIterations)
	}

	coeffs, err := d.readCoefficients(c)
	if err != nil {
		d.logger.Warn("no force coefficients produced",
			zap.String("case", c.ID),
			zap.Error(err))
		kind := FailureResults
		if solveErr != nil {
			kind = FailureSolver
		}
		return d.penalize(res, kind, start), nil
	}

	res.Coefficients = coeffs
	res.WallClock = time.Since(start)

	d.logger.Info("evaluation finished",
		zap.String("case", c.ID),
		zap.Float64("alpha", c.Point.Alpha),
		zap.Float64("cd", coeffs.Cd),
		zap.Float64("cl", coeffs.Cl),
		zap.Float64("cm", coeffs.Cm),
		zap.Bool("converged", res.Converged),
		zap.Int("iterations", res.Iterations),
		zap.Duration("wall_clock", res.WallClock))

	return res, nil
}

// Cleanup applies the configured cleanup policy to a case that is no
// longer needed for warm start chaining.
func (d *Driver) Cleanup(ctx context.Context, c *Case) error {
	switch d.cfg.Cleanup {
	case CleanupKeep:
		return nil
	case CleanupRemove:
		return os.RemoveAll(c.Dir)
	case CleanupClean:
		return d.runScript(ctx, c, d.cfg.CleanScript)
	default:
		return fmt.Errorf("simulation: unknown cleanup policy %q", d.cfg.Cleanup)
	}
}

var errTimeout = errors.New("wall clock budget exceeded")

// runScript executes a case-local script with the driver timeout applied,
// capturing combined output next to the case files.
func (d *Driver) runScript(ctx context.Context, c *Case, script string) error {
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "./"+script)
	cmd.Dir = c.Dir

	logPath := filepath.Join(c.Dir, "log."+script)
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return errTimeout
	}
	return err
}

func (d *Driver) penalize(res Result, kind FailureKind, start time.Time) Result {
	p := d.cfg.PenaltyCoefficient
	res.Failure = kind
	res.Converged = false
	res.Coefficients = Coefficients{Cd: p, Cl: -p, Cm: p}
	res.WallClock = time.Since(start)
	return res
}

func failureFor(err error, fallback FailureKind) FailureKind {
	if errors.Is(err, errTimeout) {
		return FailureTimeout
	}
	return fallback
}

// readCoefficients parses the forces function object output: whitespace
// separated columns with '#' comment lines, columns 0/1/4/7 holding time,
// cx, cy and the pitching moment. The last data row wins.
func (d *Driver) readCoefficients(c *Case) (Coefficients, error) {
	f, err := os.Open(filepath.Join(c.Dir, d.cfg.ForcesFile))
	if err != nil {
		return Coefficients{}, err
	}
	defer f.Close()
	return parseCoefficients(f)
}

func parseCoefficients(r io.Reader) (Coefficients, error) {
	var (
		last  Coefficients
		found bool
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		cd, err1 := strconv.ParseFloat(fields[1], 64)
		cl, err2 := strconv.ParseFloat(fields[4], 64)
		cm, err3 := strconv.ParseFloat(fields[7], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		last = Coefficients{Cd: cd, Cl: cl, Cm: cm}
		found = true
	}
	if err := sc.Err(); err != nil {
		return Coefficients{}, err
	}
	if !found {
		return Coefficients{}, fmt.Errorf("no coefficient rows found")
	}
	return last, nil
}

// readResiduals extracts the per-iteration worst initial residual from the
// solver log.
func (d *Driver) readResiduals(c *Case) ([]float64, error) {
	f, err := os.Open(filepath.Join(c.Dir, d.cfg.SolverLog))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseResiduals(f)
}

// parseResiduals groups "Solving for <field>, Initial residual = <v>"
// lines by the "Time =" iteration markers and keeps the per-iteration
// maximum across all monitored fields.
func parseResiduals(r io.Reader) ([]float64, error) {
	var (
		residuals []float64
		current   float64
		inBlock   bool
	)

	flush := func() {
		if inBlock {
			residuals = append(residuals, current)
			current = 0
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "Time =") {
			flush()
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		idx := strings.Index(line, "Initial residual = ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("Initial residual = "):]
		if end := strings.IndexByte(rest, ','); end >= 0 {
			rest = rest[:end]
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			continue
		}
		if v > current {
			current = v
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return nil, err
	}
	return residuals, nil
}

// converged applies the convergence policy: the worst residual must stay
// below the threshold over the sustain window, inside the iteration cap.
func converged(residuals []float64, threshold float64, sustain, maxIter int) bool {
	if len(residuals) == 0 || len(residuals) < sustain {
		return false
	}
	if maxIter > 0 && len(residuals) >= maxIter {
		return false
	}
	for _, v := range residuals[len(residuals)-sustain:] {
		if v >= threshold {
			return false
		}
	}
	return true
}
