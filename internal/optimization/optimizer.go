// Package optimization defines the classical optimizer contract driven by
// optimization tasks, a name-keyed registry of implementations, and helpers
// shared by them.
package optimization

import (
	"context"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
)

// Function is the cost callback handed to an optimizer. When grad is
// non-nil the callee fills it with the gradient at x.
type Function func(x, grad []float64) (float64, error)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Name returns the registered name of the algorithm.
	Name() string

	// Optimize minimizes fn over dim parameters. It returns when the
	// algorithm's own stopping rule fires, fn fails or ctx is done.
	Optimize(ctx context.Context, fn Function, dim int) (*OptimizationResult, error)

	// NeedsGradient reports whether fn is called with a gradient slice.
	NeedsGradient() bool

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of evaluations
	GetHistory() []Evaluation
}

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Starting point; zeros when empty.
	InitialParameters []float64

	// Bounds for each dimension [min, max]
	Bounds [][2]float64

	// Fixed candidate points, used by the sequence optimizer.
	Points [][]float64

	// Maximum number of iterations
	MaxIterations int

	// Number of initial random points to evaluate
	NInitialPoints int

	// Convergence tolerance on the function value.
	Tolerance float64

	// Random seed for reproducibility
	RandomSeed int64

	Logger *zap.Logger
}

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Evaluation represents a single evaluation of the objective function
type Evaluation struct {
	Iteration int       `json:"iteration"`
	Solution  *Solution `json:"solution"`
	Error     error     `json:"-"`
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution *Solution   `json:"best_solution"`
	History      []Evaluation `json:"-"`
	Iterations   int          `json:"iterations"`
	Evaluations  int          `json:"evaluations"`
	Converged    bool         `json:"converged"`
	Status       string       `json:"status"`
}

// Factory creates an optimizer from its configuration.
type Factory func(cfg OptimizerConfig) (Optimizer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an optimizer available to New. Implementations register
// themselves from init, so callers blank-import them.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates the optimizer registered under name.
func New(name string, cfg OptimizerConfig) (Optimizer, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, qverrors.E(qverrors.KindNotFound, "optimizer %q", name).WithComponent("optimization")
	}
	return f(cfg)
}

// Names lists the registered optimizers.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Recorder tracks the evaluation history and the best solution of a run.
// It is safe for concurrent readers while the run records.
type Recorder struct {
	mu      sync.RWMutex
	best    *Solution
	history []Evaluation
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.best, r.history = nil, nil
	r.mu.Unlock()
}

// Record appends an evaluation. Failed evaluations never become best.
func (r *Recorder) Record(x []float64, value float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sol := &Solution{Parameters: slices.Clone(x), Value: value}
	r.history = append(r.history, Evaluation{Iteration: len(r.history), Solution: sol, Error: err})
	if err == nil && (r.best == nil || value < r.best.Value) {
		r.best = sol
	}
}

// Best returns the lowest solution recorded, or nil.
func (r *Recorder) Best() *Solution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.best == nil {
		return nil
	}
	return &Solution{Parameters: slices.Clone(r.best.Parameters), Value: r.best.Value}
}

// History returns a copy of the recorded evaluations.
func (r *Recorder) History() []Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history)
}

// Result assembles an OptimizationResult from the recorded run.
func (r *Recorder) Result(iterations int, converged bool, status string) *OptimizationResult {
	history := r.History()
	return &OptimizationResult{
		BestSolution: r.Best(),
		History:      history,
		Iterations:   iterations,
		Evaluations:  len(history),
		Converged:    converged,
		Status:       status,
	}
}

// StartPoint returns cfg.InitialParameters, or zeros, checked against dim.
func StartPoint(cfg OptimizerConfig, dim int) ([]float64, error) {
	if len(cfg.InitialParameters) == 0 {
		return make([]float64, dim), nil
	}
	if len(cfg.InitialParameters) != dim {
		return nil, qverrors.E(qverrors.KindShapeMismatch,
			"initial parameters have %d values, problem has %d", len(cfg.InitialParameters), dim)
	}
	return slices.Clone(cfg.InitialParameters), nil
}
