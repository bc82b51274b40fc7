// Package task runs an optimizer over an objective function in the
// background and hands back a single-consumer handle on the outcome.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/qvopt/internal/args"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/logging"
	"github.com/copyleftdev/qvopt/internal/objective"
	"github.com/copyleftdev/qvopt/internal/optimization"
)

// OptValKey is the buffer info key holding the optimal value once a task
// completes.
const OptValKey = "opt-val"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != StatusRunning }

// Bundle is the outcome of a completed task.
type Bundle struct {
	Buffer    *buffer.Register
	OptVal    float64
	OptParams []float64
	Result    *optimization.OptimizationResult
}

// Handle is a single-consumer future over a task's Bundle.
type Handle struct {
	id        string
	optimizer optimization.Optimizer
	started   time.Time
	done      chan struct{}

	consumed    atomic.Bool
	evaluations atomic.Int64

	mu       sync.RWMutex
	status   Status
	finished time.Time
	bundle   *Bundle
	err      error
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.id }

// Optimizer returns the name of the optimizer driving the task.
func (h *Handle) Optimizer() string { return h.optimizer.Name() }

// Started returns the time the task was initiated.
func (h *Handle) Started() time.Time { return h.started }

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Finished returns the completion time, or the zero time while running.
func (h *Handle) Finished() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.finished
}

// Evaluations returns how many times the optimizer has called back so far.
func (h *Handle) Evaluations() int { return int(h.evaluations.Load()) }

// Best returns the best solution seen so far, or nil.
func (h *Handle) Best() *optimization.Solution { return h.optimizer.GetBestSolution() }

// History returns the evaluations recorded so far.
func (h *Handle) History() []optimization.Evaluation { return h.optimizer.GetHistory() }

// Sync blocks until the task finishes and yields its bundle. A handle can
// be synchronized once; later calls fail with a DoubleSynchronize error
// without blocking.
func (h *Handle) Sync() (*Bundle, error) {
	if !h.consumed.CompareAndSwap(false, true) {
		return nil, qverrors.E(qverrors.KindDoubleSynchronize, "task %s already synchronized", h.id).
			WithComponent("task")
	}
	<-h.done
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bundle, h.err
}

func (h *Handle) finish(b *Bundle, err error) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case err == nil:
		h.status = StatusCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		h.status = StatusCancelled
	default:
		h.status = StatusFailed
	}
	h.bundle, h.err = b, err
	h.finished = time.Now()
	close(h.done)
	return h.status
}

// Runner starts optimization tasks.
type Runner struct {
	logger  *zap.Logger
	metrics *Metrics
	wg      sync.WaitGroup
}

// NewRunner returns a Runner. A nil metrics collects into an unregistered
// set.
func NewRunner(logger *zap.Logger, metrics *Metrics) *Runner {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Runner{
		logger:  logging.OrNop(logger).Named("task"),
		metrics: metrics,
	}
}

// Logger returns the runner's logger.
func (r *Runner) Logger() *zap.Logger { return r.logger }

// Wait blocks until every task started by r has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Initiate runs opt over fn with dim parameters on a new goroutine. fn is
// expected to evaluate obj, whose buffer ends up in the bundle. Tasks stop
// when the optimizer does, when fn fails or when ctx is done.
func (r *Runner) Initiate(ctx context.Context, obj objective.Objective, opt optimization.Optimizer, fn optimization.Function, dim int) *Handle {
	h := &Handle{
		id:        uuid.NewString(),
		optimizer: opt,
		started:   time.Now(),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	logger := r.logger.With(
		zap.String("task_id", h.id),
		zap.String("optimizer", opt.Name()),
		zap.Int("dim", dim))

	counted := func(x, grad []float64) (float64, error) {
		h.evaluations.Add(1)
		r.metrics.Evaluations.Inc()
		return fn(x, grad)
	}

	r.metrics.Started.Inc()
	r.metrics.Running.Inc()
	r.wg.Add(1)
	logger.Info("task started")

	go func() {
		defer r.wg.Done()
		b, err := run(ctx, obj, opt, counted, dim)
		status := h.finish(b, err)

		r.metrics.Running.Dec()
		r.metrics.Finished.WithLabelValues(string(status)).Inc()
		r.metrics.Duration.Observe(time.Since(h.started).Seconds())

		fields := []zap.Field{
			zap.String("status", string(status)),
			zap.Int("evaluations", h.Evaluations()),
			zap.Duration("elapsed", time.Since(h.started)),
		}
		if err != nil {
			logger.Warn("task ended", append(fields, zap.Error(err))...)
			return
		}
		logger.Info("task ended", append(fields, zap.Float64("opt_val", b.OptVal))...)
	}()
	return h
}

// InitiateTranslated is Initiate with a callback that maps the optimizer's
// vector onto the kernel arguments and evaluates obj.
func (r *Runner) InitiateTranslated(ctx context.Context, obj objective.Objective, opt optimization.Optimizer, translate args.Translator, dim int) *Handle {
	return r.InitiateWithGradient(ctx, obj, opt, nil, translate, dim)
}

// InitiateWithGradient is InitiateTranslated with a gradient evaluator run
// before each evaluation the optimizer asks a gradient for.
func (r *Runner) InitiateWithGradient(ctx context.Context, obj objective.Objective, opt optimization.Optimizer,
	gradient objective.GradientEvaluator, translate args.Translator, dim int) *Handle {
	fn := func(x, grad []float64) (float64, error) {
		if grad != nil && gradient != nil {
			if err := gradient(x, grad); err != nil {
				return 0, err
			}
		}
		a, err := translate(x)
		if err != nil {
			return 0, err
		}
		return obj.Evaluate(ctx, a)
	}
	return r.Initiate(ctx, obj, opt, fn, dim)
}

func run(ctx context.Context, obj objective.Objective, opt optimization.Optimizer, fn optimization.Function, dim int) (b *Bundle, err error) {
	defer qverrors.Recover(&err, "task.run")

	res, err := opt.Optimize(ctx, fn, dim)
	if err != nil {
		return nil, err
	}
	if res == nil || res.BestSolution == nil {
		return nil, qverrors.E(qverrors.KindInvalid, "optimizer %s returned no solution", opt.Name()).
			WithComponent("task")
	}

	b = &Bundle{
		OptVal:    res.BestSolution.Value,
		OptParams: res.BestSolution.Parameters,
		Result:    res,
	}
	if obj != nil {
		b.Buffer = obj.Buffer()
	}
	if b.Buffer != nil {
		b.Buffer.SetInfo(OptValKey, b.OptVal)
	}
	return b, nil
}
