// Package local provides local optimizers backed by gonum/optimize.
package local

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/logging"
	"github.com/copyleftdev/qvopt/internal/optimization"
)

const (
	NelderMead      = "nelder-mead"
	LBFGS           = "l-bfgs"
	GradientDescent = "gradient-descent"
)

func init() {
	for _, name := range []string{NelderMead, LBFGS, GradientDescent} {
		name := name
		optimization.Register(name, func(cfg optimization.OptimizerConfig) (optimization.Optimizer, error) {
			return New(name, cfg)
		})
	}
}

// Optimizer runs one gonum method from a single starting point.
type Optimizer struct {
	name   string
	cfg    optimization.OptimizerConfig
	rec    optimization.Recorder
	logger *zap.Logger
}

// New returns the local optimizer called name.
func New(name string, cfg optimization.OptimizerConfig) (*Optimizer, error) {
	switch name {
	case NelderMead, LBFGS, GradientDescent:
	default:
		return nil, qverrors.E(qverrors.KindNotFound, "local optimizer %q", name)
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 200
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-8
	}
	return &Optimizer{
		name:   name,
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).Named("optimizer").With(zap.String("method", name)),
	}, nil
}

// Name implements optimization.Optimizer.
func (o *Optimizer) Name() string { return o.name }

// NeedsGradient implements optimization.Optimizer.
func (o *Optimizer) NeedsGradient() bool { return o.name != NelderMead }

func (o *Optimizer) method() optimize.Method {
	switch o.name {
	case LBFGS:
		return &optimize.LBFGS{}
	case GradientDescent:
		return &optimize.GradientDescent{}
	default:
		return &optimize.NelderMead{}
	}
}

// Optimize implements optimization.Optimizer.
func (o *Optimizer) Optimize(ctx context.Context, fn optimization.Function, dim int) (*optimization.OptimizationResult, error) {
	o.rec.Reset()
	x0, err := optimization.StartPoint(o.cfg, dim)
	if err != nil {
		return nil, err
	}

	var (
		fnErr    error
		lastX    []float64
		lastGrad []float64
	)
	eval := func(x []float64) float64 {
		if fnErr != nil {
			return math.Inf(1)
		}
		var grad []float64
		if o.NeedsGradient() {
			grad = make([]float64, len(x))
		}
		v, err := fn(x, grad)
		o.rec.Record(x, v, err)
		if err != nil {
			fnErr = err
			return math.Inf(1)
		}
		lastX, lastGrad = slices.Clone(x), grad
		return v
	}

	problem := optimize.Problem{
		Func: eval,
		Status: func() (optimize.Status, error) {
			if fnErr != nil {
				return optimize.Failure, fnErr
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	if o.NeedsGradient() {
		// Gradients come from the cost callback; reuse the one computed at x.
		problem.Grad = func(grad, x []float64) {
			if lastGrad == nil || !slices.Equal(x, lastX) {
				eval(x)
			}
			if lastGrad != nil {
				copy(grad, lastGrad)
			}
		}
	}

	settings := &optimize.Settings{
		MajorIterations: o.cfg.MaxIterations,
		Concurrent:      1,
		Converger: &optimize.FunctionConverge{
			Absolute:   o.cfg.Tolerance,
			Iterations: 20,
		},
	}

	res, err := optimize.Minimize(problem, x0, settings, o.method())
	if fnErr != nil {
		return nil, fnErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil && res == nil {
		return nil, qverrors.Wrapf(err, "%s", o.name).WithComponent("optimization")
	}

	status := res.Status
	o.logger.Debug("optimization finished",
		zap.String("status", status.String()),
		zap.Int("iterations", res.Stats.MajorIterations),
		zap.Int("evaluations", res.Stats.FuncEvaluations),
		zap.Float64("value", res.F))

	converged := err == nil && status != optimize.IterationLimit && status != optimize.Failure
	return o.rec.Result(res.Stats.MajorIterations, converged, status.String()), nil
}

// GetBestSolution implements optimization.Optimizer.
func (o *Optimizer) GetBestSolution() *optimization.Solution { return o.rec.Best() }

// GetHistory implements optimization.Optimizer.
func (o *Optimizer) GetHistory() []optimization.Evaluation { return o.rec.History() }
