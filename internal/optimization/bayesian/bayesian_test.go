package bayesian

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/optimization"
)

func TestGPInterpolates(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{-1, 0, 1, 2})
	y := mat.NewVecDense(4, []float64{1, 0, 1, 4})

	gp := NewGP(RBF{LengthScale: 1, Variance: 1}, 1e-8, nil)
	require.NoError(t, gp.Fit(X, y))

	mean, variance, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, y.AtVec(i), mean.AtVec(i), 1e-4)
		assert.InDelta(t, 0, variance.AtVec(i), 1e-4)
	}

	_, far, err := gp.Predict(mat.NewDense(1, 1, []float64{10}))
	require.NoError(t, err)
	assert.InDelta(t, 1, far.AtVec(0), 1e-6, "prior variance far from the data")
}

func TestGPErrors(t *testing.T) {
	gp := NewGP(Matern52{LengthScale: 1, Variance: 1}, 1e-6, nil)

	_, _, err := gp.Predict(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, qverrors.ErrInvalid)

	assert.ErrorIs(t, gp.Fit(nil, nil), qverrors.ErrInvalid)
	err = gp.Fit(mat.NewDense(2, 1, []float64{0, 1}), mat.NewVecDense(3, nil))
	assert.ErrorIs(t, err, qverrors.ErrShapeMismatch)

	require.NoError(t, gp.Fit(mat.NewDense(2, 1, []float64{0, 1}), mat.NewVecDense(2, []float64{0, 1})))
	_, _, err = gp.Predict(mat.NewDense(1, 2, nil))
	assert.ErrorIs(t, err, qverrors.ErrShapeMismatch)
}

func TestCovariance(t *testing.T) {
	for _, k := range []Covariance{RBF{1, 2}, Matern52{1, 2}} {
		assert.InDelta(t, 2, k.Eval([]float64{1, 1}, []float64{1, 1}), 1e-12)
		near := k.Eval([]float64{0}, []float64{0.5})
		far := k.Eval([]float64{0}, []float64{3})
		assert.Greater(t, near, far)
	}
}

func TestExpectedImprovement(t *testing.T) {
	ei := ExpectedImprovement{Best: 0, Xi: 0}
	assert.Equal(t, 0.0, ei.Compute(1, 0))
	assert.Equal(t, 0.5, ei.Compute(-0.5, 0))
	assert.InDelta(t, 1/math.Sqrt(2*math.Pi), ei.Compute(0, 1), 1e-12)

	assert.Greater(t, ei.Compute(-1, 1), ei.Compute(1, 1), "lower mean is better")
	assert.Greater(t, ei.Compute(1, 2), ei.Compute(1, 1), "more uncertainty is better")
	assert.GreaterOrEqual(t, ei.Compute(5, 0.1), 0.0)
}

func TestOptimizerMinimizesQuadratic(t *testing.T) {
	opt, err := optimization.New("bayesian", optimization.OptimizerConfig{
		Bounds:         [][2]float64{{-3, 3}},
		NInitialPoints: 5,
		MaxIterations:  15,
		RandomSeed:     7,
	})
	require.NoError(t, err)
	assert.False(t, opt.NeedsGradient())

	res, err := opt.Optimize(context.Background(), func(x, grad []float64) (float64, error) {
		assert.Nil(t, grad)
		return (x[0] - 1) * (x[0] - 1), nil
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Evaluations)
	assert.Len(t, opt.GetHistory(), 20)
	assert.InDelta(t, 1, res.BestSolution.Parameters[0], 0.25)
	assert.Equal(t, res.BestSolution, opt.GetBestSolution())
	for _, e := range opt.GetHistory() {
		assert.GreaterOrEqual(t, e.Solution.Parameters[0], -3.0)
		assert.LessOrEqual(t, e.Solution.Parameters[0], 3.0)
	}
}

func TestOptimizerStartsAtInitialParameters(t *testing.T) {
	opt, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		InitialParameters: []float64{0.25, -0.5},
		NInitialPoints:    3,
		MaxIterations:     1,
		RandomSeed:        1,
	})
	require.NoError(t, err)

	_, err = opt.Optimize(context.Background(), func(x, _ []float64) (float64, error) {
		return x[0]*x[0] + x[1]*x[1], nil
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, -0.5}, opt.GetHistory()[0].Solution.Parameters)
	for _, e := range opt.GetHistory() {
		for _, v := range e.Solution.Parameters {
			assert.LessOrEqual(t, math.Abs(v), math.Pi)
		}
	}
}

func TestOptimizerErrors(t *testing.T) {
	quiet := func(x, _ []float64) (float64, error) { return x[0], nil }

	t.Run("bounds mismatch", func(t *testing.T) {
		opt, err := NewBayesianOptimizer(optimization.OptimizerConfig{Bounds: [][2]float64{{0, 1}}})
		require.NoError(t, err)
		_, err = opt.Optimize(context.Background(), quiet, 2)
		assert.ErrorIs(t, err, qverrors.ErrShapeMismatch)
	})

	t.Run("empty bound", func(t *testing.T) {
		_, err := NewBayesianOptimizer(optimization.OptimizerConfig{Bounds: [][2]float64{{1, 1}}})
		assert.ErrorIs(t, err, qverrors.ErrInvalid)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		opt, err := NewBayesianOptimizer(optimization.OptimizerConfig{RandomSeed: 1})
		require.NoError(t, err)
		_, err = opt.Optimize(ctx, quiet, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("callback failure", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		opt, err := NewBayesianOptimizer(optimization.OptimizerConfig{RandomSeed: 1})
		require.NoError(t, err)
		_, err = opt.Optimize(context.Background(), func(x, _ []float64) (float64, error) {
			calls++
			if calls == 7 {
				return 0, boom
			}
			return x[0] * x[0], nil
		}, 1)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 7, calls)
	})
}
