package bayesian

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Covariance is the kernel function of a Gaussian process.
type Covariance interface {
	Eval(x1, x2 []float64) float64
}

// RBF is the squared exponential covariance.
type RBF struct {
	LengthScale float64
	Variance    float64
}

// Eval implements Covariance.
func (k RBF) Eval(x1, x2 []float64) float64 {
	d := floats.Distance(x1, x2, 2)
	return k.Variance * math.Exp(-d*d/(2*k.LengthScale*k.LengthScale))
}

// Matern52 is the Matérn 5/2 covariance. Its sample paths are twice
// differentiable, which suits smooth variational landscapes.
type Matern52 struct {
	LengthScale float64
	Variance    float64
}

// Eval implements Covariance.
func (k Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5) * floats.Distance(x1, x2, 2) / k.LengthScale
	return k.Variance * (1 + r + r*r/3) * math.Exp(-r)
}
