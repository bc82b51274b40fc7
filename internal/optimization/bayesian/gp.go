package bayesian

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/logging"
)

// jitter is added to the kernel diagonal on top of the noise variance.
const jitter = 1e-10

// GP implements a Gaussian Process model for Bayesian Optimization
type GP struct {
	cov      Covariance
	noiseVar float64

	// Training data and the constant prior mean (the sample mean of y).
	X    *mat.Dense
	mean float64

	alpha *mat.VecDense
	chol  mat.Cholesky

	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model
func NewGP(cov Covariance, noiseVar float64, logger *zap.Logger) *GP {
	return &GP{
		cov:      cov,
		noiseVar: noiseVar,
		logger:   logging.OrNop(logger).Named("gaussian_process"),
	}
}

// Fit fits the GP model to the training data
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return qverrors.E(qverrors.KindInvalid, "input matrices must not be nil").WithOperation(op)
	}
	n, d := X.Dims()
	if n == 0 || d == 0 {
		return qverrors.E(qverrors.KindInvalid, "input matrix X must not be empty").WithOperation(op)
	}
	if n != y.Len() {
		return qverrors.E(qverrors.KindShapeMismatch,
			"X has %d samples but y has length %d", n, y.Len()).WithOperation(op)
	}

	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := X.RawRowView(i)
		for j := i; j < n; j++ {
			K.SetSym(i, j, gp.cov.Eval(xi, X.RawRowView(j)))
		}
		K.SetSym(i, i, K.At(i, i)+gp.noiseVar+jitter)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(K); !ok {
		return qverrors.E(qverrors.KindInvalid, "kernel matrix is not positive definite").WithOperation(op)
	}

	mean := mat.Sum(y) / float64(n)
	centered := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		centered.SetVec(i, y.AtVec(i)-mean)
	}
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, centered); err != nil {
		return qverrors.Wrap(err, "solving for weights").WithOperation(op)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.mean = mean
	gp.alpha = alpha
	gp.chol = chol

	gp.logger.Debug("fitted GP model",
		zap.Int("samples", n),
		zap.Int("features", d),
		zap.Float64("prior_mean", mean))
	return nil
}

// Predict returns the mean and variance of the posterior predictive distribution
// at the given test points X*.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, qverrors.E(qverrors.KindInvalid, "input matrix X is nil").WithOperation(op)
	}
	if gp.alpha == nil {
		return nil, nil, qverrors.E(qverrors.KindInvalid, "model not trained").WithOperation(op)
	}
	nTest, d := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if d != nFeatures {
		return nil, nil, qverrors.E(qverrors.KindShapeMismatch,
			"test points have %d features, model has %d", d, nFeatures).WithOperation(op)
	}

	mean := mat.NewVecDense(nTest, nil)
	variance := mat.NewVecDense(nTest, nil)
	kStar := mat.NewVecDense(nTrain, nil)
	v := mat.NewVecDense(nTrain, nil)
	for i := 0; i < nTest; i++ {
		x := X.RawRowView(i)
		for j := 0; j < nTrain; j++ {
			kStar.SetVec(j, gp.cov.Eval(x, gp.X.RawRowView(j)))
		}
		mean.SetVec(i, gp.mean+mat.Dot(kStar, gp.alpha))

		if err := gp.chol.SolveVecTo(v, kStar); err != nil {
			return nil, nil, qverrors.Wrap(err, "solving for variance").WithOperation(op)
		}
		variance.SetVec(i, math.Max(0, gp.cov.Eval(x, x)-mat.Dot(kStar, v)))
	}
	return mean, variance, nil
}
