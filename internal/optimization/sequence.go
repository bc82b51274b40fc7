package optimization

import (
	"context"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
)

func init() {
	Register("sequence", func(cfg OptimizerConfig) (Optimizer, error) {
		return NewSequence(cfg.Points...), nil
	})
}

// Sequence evaluates a fixed list of points in order and keeps the lowest.
// It is useful for scans and for checking the task plumbing.
type Sequence struct {
	points [][]float64
	rec    Recorder
}

// NewSequence returns an optimizer over points.
func NewSequence(points ...[]float64) *Sequence {
	return &Sequence{points: points}
}

// Name implements Optimizer.
func (s *Sequence) Name() string { return "sequence" }

// NeedsGradient implements Optimizer.
func (s *Sequence) NeedsGradient() bool { return false }

// Optimize implements Optimizer.
func (s *Sequence) Optimize(ctx context.Context, fn Function, dim int) (*OptimizationResult, error) {
	s.rec.Reset()
	if len(s.points) == 0 {
		return nil, qverrors.E(qverrors.KindInvalid, "sequence optimizer has no points")
	}
	for i, x := range s.points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(x) != dim {
			return nil, qverrors.E(qverrors.KindShapeMismatch, "point %d has %d values, problem has %d", i, len(x), dim)
		}
		v, err := fn(x, nil)
		s.rec.Record(x, v, err)
		if err != nil {
			return nil, err
		}
	}
	return s.rec.Result(len(s.points), true, "Success"), nil
}

// GetBestSolution implements Optimizer.
func (s *Sequence) GetBestSolution() *Solution { return s.rec.Best() }

// GetHistory implements Optimizer.
func (s *Sequence) GetHistory() []Evaluation { return s.rec.History() }
