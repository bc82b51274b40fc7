package local

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/optimization"
)

// shifted is (x0-1)^2 + (x1+2)^2 with its gradient.
func shifted(x, grad []float64) (float64, error) {
	a, b := x[0]-1, x[1]+2
	if grad != nil {
		grad[0], grad[1] = 2*a, 2*b
	}
	return a*a + b*b, nil
}

func TestMethodsConverge(t *testing.T) {
	for _, name := range []string{NelderMead, LBFGS, GradientDescent} {
		t.Run(name, func(t *testing.T) {
			opt, err := optimization.New(name, optimization.OptimizerConfig{
				InitialParameters: []float64{3, 3},
				MaxIterations:     500,
			})
			require.NoError(t, err)
			assert.Equal(t, name != NelderMead, opt.NeedsGradient())

			res, err := opt.Optimize(context.Background(), shifted, 2)
			require.NoError(t, err)
			require.NotNil(t, res.BestSolution)
			assert.InDelta(t, 1, res.BestSolution.Parameters[0], 1e-3)
			assert.InDelta(t, -2, res.BestSolution.Parameters[1], 1e-3)
			assert.InDelta(t, 0, res.BestSolution.Value, 1e-5)
			assert.NotEmpty(t, opt.GetHistory())
			assert.Equal(t, res.Evaluations, len(opt.GetHistory()))
		})
	}
}

func TestCallbackFailureStopsRun(t *testing.T) {
	boom := errors.New("backend down")
	calls := 0
	opt, err := New(NelderMead, optimization.OptimizerConfig{})
	require.NoError(t, err)

	_, err = opt.Optimize(context.Background(), func(x, _ []float64) (float64, error) {
		calls++
		if calls == 3 {
			return 0, boom
		}
		return math.Abs(x[0]), nil
	}, 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opt, err := New(NelderMead, optimization.OptimizerConfig{MaxIterations: 10000})
	require.NoError(t, err)

	calls := 0
	_, err = opt.Optimize(ctx, func(x, _ []float64) (float64, error) {
		calls++
		if calls == 5 {
			cancel()
		}
		return math.Sin(x[0]) + math.Cos(x[1]), nil
	}, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigErrors(t *testing.T) {
	_, err := New("powell", optimization.OptimizerConfig{})
	assert.ErrorIs(t, err, qverrors.ErrNotFound)

	opt, err := New(LBFGS, optimization.OptimizerConfig{InitialParameters: []float64{1}})
	require.NoError(t, err)
	_, err = opt.Optimize(context.Background(), shifted, 2)
	assert.ErrorIs(t, err, qverrors.ErrShapeMismatch)
}
