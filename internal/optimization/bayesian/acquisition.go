package bayesian

import "gonum.org/v1/gonum/stat/distuv"

// ExpectedImprovement is the expected improvement acquisition function for
// minimization.
type ExpectedImprovement struct {
	// Best observed value so far
	Best float64
	// Exploration-exploitation trade-off parameter
	Xi float64
}

// Compute returns the expected improvement over Best of a prediction with
// mean mu and standard deviation sigma. It is never negative.
func (ei ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.Best - mu - ei.Xi
	if sigma <= 1e-10 {
		if improvement > 0 {
			return improvement
		}
		return 0
	}
	z := improvement / sigma
	return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}
