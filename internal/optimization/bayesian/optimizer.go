// Package bayesian implements Bayesian optimization with a Gaussian process
// surrogate and expected improvement.
package bayesian

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/logging"
	"github.com/copyleftdev/qvopt/internal/optimization"
)

func init() {
	optimization.Register("bayesian", func(cfg optimization.OptimizerConfig) (optimization.Optimizer, error) {
		return NewBayesianOptimizer(cfg)
	})
}

// BayesianOptimizer implements Bayesian Optimization
type BayesianOptimizer struct {
	config optimization.OptimizerConfig

	// Gaussian Process model
	gp *GP

	acquisition ExpectedImprovement

	// Random number generator
	rng *rand.Rand

	rec    optimization.Recorder
	logger *zap.Logger
}

// NewBayesianOptimizer creates a new Bayesian Optimizer. Without bounds
// every parameter is searched in [-pi, pi].
func NewBayesianOptimizer(config optimization.OptimizerConfig) (*BayesianOptimizer, error) {
	if config.NInitialPoints < 1 {
		config.NInitialPoints = 5
	}
	if config.MaxIterations < 1 {
		config.MaxIterations = 30
	}
	for i, b := range config.Bounds {
		if !(b[0] < b[1]) {
			return nil, qverrors.E(qverrors.KindInvalid, "bound %d is empty: [%g, %g]", i, b[0], b[1])
		}
	}

	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := logging.OrNop(config.Logger).Named("optimizer").With(zap.String("method", "bayesian"))

	return &BayesianOptimizer{
		config:      config,
		gp:          NewGP(Matern52{LengthScale: 1, Variance: 1}, 1e-6, logger),
		acquisition: ExpectedImprovement{Best: math.Inf(1), Xi: 0.01},
		rng:         rand.New(rand.NewSource(seed)),
		logger:      logger,
	}, nil
}

// Name implements optimization.Optimizer.
func (bo *BayesianOptimizer) Name() string { return "bayesian" }

// NeedsGradient implements optimization.Optimizer.
func (bo *BayesianOptimizer) NeedsGradient() bool { return false }

func (bo *BayesianOptimizer) bounds(dim int) ([][2]float64, error) {
	if len(bo.config.Bounds) == 0 {
		out := make([][2]float64, dim)
		for i := range out {
			out[i] = [2]float64{-math.Pi, math.Pi}
		}
		return out, nil
	}
	if len(bo.config.Bounds) != dim {
		return nil, qverrors.E(qverrors.KindShapeMismatch,
			"%d bounds for %d parameters", len(bo.config.Bounds), dim)
	}
	return bo.config.Bounds, nil
}

// Optimize runs the Bayesian Optimization process
func (bo *BayesianOptimizer) Optimize(ctx context.Context, fn optimization.Function, dim int) (*optimization.OptimizationResult, error) {
	bo.rec.Reset()
	bounds, err := bo.bounds(dim)
	if err != nil {
		return nil, err
	}

	initial := bo.latinHypercubeSample(bounds, bo.config.NInitialPoints)
	if len(bo.config.InitialParameters) == dim {
		initial[0] = append([]float64(nil), bo.config.InitialParameters...)
	}

	evaluate := func(x []float64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := fn(x, nil)
		bo.rec.Record(x, v, err)
		return err
	}

	for _, x := range initial {
		if err := evaluate(x); err != nil {
			return nil, err
		}
	}

	for i := 0; i < bo.config.MaxIterations; i++ {
		X, y := bo.prepareTrainingData(dim)
		if err := bo.gp.Fit(X, y); err != nil {
			return nil, qverrors.Wrap(err, "fitting surrogate").WithComponent("bayesian")
		}
		bo.acquisition.Best = bo.rec.Best().Value

		next := bo.maximizeAcquisition(bounds)
		if err := evaluate(next); err != nil {
			return nil, err
		}
	}

	best := bo.rec.Best()
	bo.logger.Debug("optimization finished",
		zap.Int("evaluations", len(bo.rec.History())),
		zap.Float64("value", best.Value))
	return bo.rec.Result(bo.config.MaxIterations+len(initial), true, "IterationLimit"), nil
}

// GetBestSolution returns the best solution found so far
func (bo *BayesianOptimizer) GetBestSolution() *optimization.Solution { return bo.rec.Best() }

// GetHistory returns the history of evaluations
func (bo *BayesianOptimizer) GetHistory() []optimization.Evaluation { return bo.rec.History() }

// prepareTrainingData prepares the training data for the GP
func (bo *BayesianOptimizer) prepareTrainingData(dim int) (*mat.Dense, *mat.VecDense) {
	history := bo.rec.History()
	X := mat.NewDense(len(history), dim, nil)
	y := mat.NewVecDense(len(history), nil)
	for i, eval := range history {
		X.SetRow(i, eval.Solution.Parameters)
		y.SetVec(i, eval.Solution.Value)
	}
	return X, y
}

// latinHypercubeSample generates points using Latin Hypercube Sampling
func (bo *BayesianOptimizer) latinHypercubeSample(bounds [][2]float64, n int) [][]float64 {
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, len(bounds))
	}
	strata := make([]float64, n)
	for i, b := range bounds {
		for j := range strata {
			strata[j] = (float64(j) + bo.rng.Float64()) / float64(n)
		}
		bo.rng.Shuffle(n, func(k, l int) { strata[k], strata[l] = strata[l], strata[k] })
		for j := range samples {
			samples[j][i] = b[0] + strata[j]*(b[1]-b[0])
		}
	}
	return samples
}

// maximizeAcquisition finds the point that maximizes the acquisition function
// with Nelder-Mead restarted from the incumbent and random points.
func (bo *BayesianOptimizer) maximizeAcquisition(bounds [][2]float64) []float64 {
	dim := len(bounds)
	clamp := func(x []float64) []float64 {
		out := make([]float64, dim)
		for i := range x {
			out[i] = math.Max(bounds[i][0], math.Min(x[i], bounds[i][1]))
		}
		return out
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			mu, sigmaSq, err := bo.gp.Predict(mat.NewDense(1, dim, clamp(x)))
			if err != nil {
				return math.Inf(1)
			}
			return -bo.acquisition.Compute(mu.AtVec(0), math.Sqrt(sigmaSq.AtVec(0)))
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 100,
		Concurrent:      1,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 20,
		},
	}

	nStarts := 5 + int(5*math.Sqrt(float64(dim)))
	starts := make([][]float64, 0, nStarts)
	if best := bo.rec.Best(); best != nil {
		starts = append(starts, best.Parameters)
	}
	for len(starts) < nStarts {
		x := make([]float64, dim)
		for j, b := range bounds {
			x[j] = b[0] + bo.rng.Float64()*(b[1]-b[0])
		}
		starts = append(starts, x)
	}

	bestX := clamp(starts[len(starts)-1])
	bestVal := math.Inf(1)
	for _, start := range starts {
		result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{SimplexSize: 0.2})
		if err == nil && result.F < bestVal {
			bestVal = result.F
			bestX = clamp(result.X)
		}
	}
	return bestX
}
