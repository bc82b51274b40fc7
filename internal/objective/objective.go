// Package objective binds a kernel and an observable into a scalar cost that
// an optimizer can evaluate repeatedly.
package objective

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/copyleftdev/qvopt/internal/args"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/qrt"
)

// State is the lifecycle stage of an objective.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Evaluating
	Evaluated
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Evaluating:
		return "evaluating"
	case Evaluated:
		return "evaluated"
	default:
		return "uninitialized"
	}
}

// Objective is a scalar cost over kernel arguments.
type Objective interface {
	Name() string
	// Initialize binds the observable and kernel, discarding any previous
	// evaluation state. It must not race with Evaluate.
	Initialize(obs observable.Observable, k *qrt.Kernel) error
	// Evaluate computes the cost at a. Concurrent calls are serialized.
	Evaluate(ctx context.Context, a args.Args) (float64, error)
	State() State
	Kernel() *qrt.Kernel
	Observable() observable.Observable
	Buffer() *buffer.Register
	SetBuffer(reg *buffer.Register)
	CurrentIterate() []float64
	Gradient() []float64
	SetGradient(dx []float64)
	Options() Options
	SetOptions(opts Options)
}

// scalarFunc is the hook a concrete objective supplies: the cost of the
// already bound program.
type scalarFunc func(ctx context.Context, prog *ir.Program) (float64, error)

// Base implements the evaluation state machine shared by all objectives.
// Concrete objectives embed it and install their scalar hook.
type Base struct {
	name string
	rt   *qrt.Runtime

	// evalMu keeps evaluations strictly sequential.
	evalMu sync.Mutex
	state  atomic.Int32

	mu        sync.RWMutex
	kernel    *qrt.Kernel
	obs       observable.Observable
	buf       *buffer.Register
	iterate   []float64
	gradient  []float64
	lastShape args.Shape
	opts      Options

	scalar scalarFunc
}

func (b *Base) init(name string, rt *qrt.Runtime, scalar scalarFunc) {
	if rt == nil {
		rt = qrt.Default()
	}
	b.name, b.rt, b.scalar, b.opts = name, rt, scalar, Options{}
}

// Name returns the registered name of the objective.
func (b *Base) Name() string { return b.name }

// Runtime returns the runtime used for capture and dispatch.
func (b *Base) Runtime() *qrt.Runtime { return b.rt }

// Initialize implements Objective.
func (b *Base) Initialize(obs observable.Observable, k *qrt.Kernel) error {
	if obs == nil || k == nil {
		return qverrors.E(qverrors.KindInvalid, "objective %s needs an observable and a kernel", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obs, b.kernel = obs, k
	b.iterate, b.gradient, b.lastShape = nil, nil, nil
	b.state.Store(int32(Initialized))
	return nil
}

// State implements Objective.
func (b *Base) State() State { return State(b.state.Load()) }

// Kernel implements Objective.
func (b *Base) Kernel() *qrt.Kernel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kernel
}

// Observable implements Objective.
func (b *Base) Observable() observable.Observable {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.obs
}

// Buffer implements Objective.
func (b *Base) Buffer() *buffer.Register {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf
}

// SetBuffer implements Objective.
func (b *Base) SetBuffer(reg *buffer.Register) {
	b.mu.Lock()
	b.buf = reg
	b.mu.Unlock()
}

// CurrentIterate returns a copy of the flat arguments of the last
// evaluation.
func (b *Base) CurrentIterate() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.iterate)
}

// Gradient returns a copy of the last gradient written with SetGradient.
func (b *Base) Gradient() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.gradient)
}

// SetGradient implements Objective.
func (b *Base) SetGradient(dx []float64) {
	b.mu.Lock()
	b.gradient = slices.Clone(dx)
	b.mu.Unlock()
}

// Options implements Objective.
func (b *Base) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

// SetOptions implements Objective.
func (b *Base) SetOptions(opts Options) {
	if opts == nil {
		opts = Options{}
	}
	b.mu.Lock()
	b.opts = opts
	b.mu.Unlock()
}

// Evaluate implements Objective.
//
// The first evaluation adopts the register argument as the results buffer
// when none was set. Structural kernels are rebound in place; callable
// kernels are captured afresh on every call.
func (b *Base) Evaluate(ctx context.Context, a args.Args) (float64, error) {
	b.evalMu.Lock()
	defer b.evalMu.Unlock()

	if b.State() == Uninitialized || b.scalar == nil {
		return 0, qverrors.E(qverrors.KindUninitializedObjective,
			"objective %s evaluated before Initialize", b.name).WithOperation("Evaluate")
	}

	b.mu.Lock()
	k := b.kernel
	if err := k.Shape.Check(a); err != nil {
		b.mu.Unlock()
		return 0, qverrors.Wrapf(err, "objective %s", b.name).WithOperation("Evaluate")
	}
	shape := a.Shape()
	if b.lastShape != nil && !sameShape(b.lastShape, shape) {
		b.mu.Unlock()
		return 0, qverrors.E(qverrors.KindShapeMismatch,
			"objective %s: argument shape changed from %s to %s", b.name, b.lastShape, shape)
	}
	b.lastShape = shape
	if b.buf == nil {
		b.buf = a.Register()
		if b.buf == nil {
			b.buf = buffer.NewRegister(k.Name, 0)
		}
	}
	b.mu.Unlock()

	prog, err := b.rt.Capture(k, a)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.iterate = args.Flatten(a)
	b.mu.Unlock()

	b.state.Store(int32(Evaluating))
	v, err := b.scalar(ctx, prog)
	if err != nil {
		b.state.Store(int32(Initialized))
		return 0, err
	}
	b.state.Store(int32(Evaluated))
	return v, nil
}

func sameShape(a, b args.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Width != b[i].Width {
			return false
		}
	}
	return true
}
