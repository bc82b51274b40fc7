package objective

import (
	"context"
	"math"

	"gonum.org/v1/gonum/diff/fd"

	"github.com/copyleftdev/qvopt/internal/args"
)

// GradientEvaluator writes the gradient at x into dx.
type GradientEvaluator func(x, dx []float64) error

// DefaultStep is the finite-difference step used when none is configured.
const DefaultStep = 1e-4

// CentralDifference estimates the gradient of obj by central differences,
// evaluating obj sequentially at x +/- step along every axis. The result
// is also stored with obj.SetGradient.
func CentralDifference(ctx context.Context, obj Objective, translate args.Translator, step float64) GradientEvaluator {
	if step <= 0 {
		step = DefaultStep
	}
	return func(x, dx []float64) error {
		if len(dx) == 0 {
			return nil
		}
		var evalErr error
		f := func(p []float64) float64 {
			if evalErr != nil {
				return math.NaN()
			}
			a, err := translate(p)
			if err == nil {
				var v float64
				if v, err = obj.Evaluate(ctx, a); err == nil {
					return v
				}
			}
			evalErr = err
			return math.NaN()
		}
		fd.Gradient(dx, f, x, &fd.Settings{Formula: fd.Central, Step: step})
		if evalErr != nil {
			return evalErr
		}
		obj.SetGradient(dx)
		return nil
	}
}
