// Package bayesian implements the surrogate-driven search engine: a
// Gaussian process regressor over observed scores and an optimizer that
// proposes new designs by maximizing expected improvement.
package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/aerolab/foilopt/internal/optimization"
	"github.com/aerolab/foilopt/internal/optimization/kernels"
)

// ErrSurrogateFit marks a surrogate that could not be fitted to the
// observation history. The run cannot continue past it: proposals would be
// noise, and each discarded evaluation is expensive solver time.
var ErrSurrogateFit = errors.New("surrogate model could not be fitted")

// GP is a zero-mean Gaussian process regressor over design vectors.
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64

	X     *mat.Dense
	y     *mat.VecDense
	alpha *mat.VecDense
	chol  *mat.Cholesky

	logger *zap.Logger
}

// NewGP creates a Gaussian process with the given kernel and observation
// noise variance. A nil logger disables logging.
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// Fitted reports whether the model holds a usable posterior.
func (gp *GP) Fitted() bool {
	return gp != nil && gp.alpha != nil && gp.chol != nil
}

// Fit conditions the process on the observations (X, y). The kernel matrix
// gets the noise variance on its diagonal plus escalating jitter until the
// Cholesky factorization succeeds; exhausting the jitter schedule returns
// an error wrapping ErrSurrogateFit.
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return optimization.WrapError(errors.New("training data must not be nil"), "gaussian_process: "+op)
	}
	n, d := X.Dims()
	if n == 0 || d == 0 {
		return optimization.WrapError(errors.New("training data must not be empty"), "gaussian_process: "+op)
	}
	if n != y.Len() {
		return optimization.WrapError(
			fmt.Errorf("dimension mismatch: X has %d samples but y has length %d", n, y.Len()),
			"gaussian_process: "+op)
	}

	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)
		K.SetSym(i, i, gp.kernel.Eval(xi, xi)+gp.noiseVar)
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, X.RawRowView(j)))
		}
	}

	chol, jitter, err := factorizeWithJitter(K)
	if err != nil {
		return optimization.WrapErrorf(ErrSurrogateFit, "gaussian_process: %s: %v", op, err)
	}
	if jitter > 0 {
		gp.logger.Debug("kernel matrix needed jitter",
			zap.Float64("jitter", jitter),
			zap.Int("samples", n),
		)
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return optimization.WrapErrorf(ErrSurrogateFit, "gaussian_process: %s: solve failed: %v", op, err)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.VecDenseCopyOf(y)
	gp.alpha = alpha
	gp.chol = chol

	gp.logger.Debug("fitted surrogate",
		zap.Int("samples", n),
		zap.Int("dims", d),
		zap.Float64("noise_var", gp.noiseVar),
	)
	return nil
}

// factorizeWithJitter factorizes K, retrying with a growing diagonal
// jitter when the matrix is numerically indefinite. Returns the jitter
// that succeeded.
func factorizeWithJitter(K *mat.SymDense) (*mat.Cholesky, float64, error) {
	n, _ := K.Dims()

	jitter := 0.0
	next := 1e-10
	for attempt := 0; attempt < 10; attempt++ {
		Kj := mat.NewSymDense(n, nil)
		Kj.CopySym(K)
		if jitter > 0 {
			for i := 0; i < n; i++ {
				Kj.SetSym(i, i, Kj.At(i, i)+jitter)
			}
		}

		var chol mat.Cholesky
		if chol.Factorize(Kj) {
			return &chol, jitter, nil
		}
		jitter = next
		next *= 10
	}
	return nil, jitter, fmt.Errorf("matrix not positive definite after jitter up to %g", jitter)
}

// Predict returns the posterior mean and variance at each row of X.
// Variances are clamped at zero.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, optimization.WrapError(errors.New("query matrix is nil"), "gaussian_process: "+op)
	}
	if !gp.Fitted() {
		return nil, nil, optimization.WrapError(errors.New("model is not fitted"), "gaussian_process: "+op)
	}

	nTest, _ := X.Dims()
	nTrain, _ := gp.X.Dims()

	Kstar := mat.NewDense(nTest, nTrain, nil)
	kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		x := X.RawRowView(i)
		kss[i] = gp.kernel.Eval(x, x) + gp.noiseVar
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(x, gp.X.RawRowView(j)))
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	// Posterior variance kss - k*^T K^-1 k*, with the solve K v = k*
	// reusing the factorization. v holds K^-1 k*, so the quadratic form is
	// the inner product of each query's kernel row with its solve column.
	v := mat.NewDense(nTrain, nTest, nil)
	if err := gp.chol.SolveTo(v, Kstar.T()); err != nil {
		return nil, nil, optimization.WrapErrorf(err, "gaussian_process: %s: variance solve failed", op)
	}

	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var quad float64
		for j := 0; j < nTrain; j++ {
			quad += Kstar.At(i, j) * v.At(j, i)
		}
		variance.SetVec(i, math.Max(0, kss[i]-quad))
	}

	return mean, variance, nil
}

// PredictOne is Predict for a single point, returning the posterior mean
// and standard deviation.
func (gp *GP) PredictOne(x []float64) (mu, sigma float64, err error) {
	X := mat.NewDense(1, len(x), nil)
	X.SetRow(0, x)
	mean, variance, err := gp.Predict(X)
	if err != nil {
		return 0, 0, err
	}
	return mean.AtVec(0), math.Sqrt(variance.AtVec(0)), nil
}
