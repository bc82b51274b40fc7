package qrt

import (
	"context"
	"fmt"
	"io"

	"github.com/copyleftdev/qvopt/internal/args"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/transform"
)

// Dispatcher submits a transformed program to the backend.
type Dispatcher struct {
	rt      *Runtime
	program *ir.Program
}

// Program returns the transformed program.
func (d *Dispatcher) Program() *ir.Program { return d.program }

// Dispatch forwards every non-composite instruction of the transformed
// program, in order, as one instruction stream. Nothing is submitted while
// dispatch is disabled.
func (d *Dispatcher) Dispatch(ctx context.Context, reg *buffer.Register) error {
	stream := ir.NewProgram(d.program.Name)
	if err := d.program.Walk(func(in *ir.Instruction) error {
		stream.Add(in)
		return nil
	}); err != nil {
		return err
	}
	return d.rt.Execute(ctx, reg, []*ir.Program{stream})
}

// ApplyTransforms captures k with a, applies the named transformations in
// order to a copy of the captured program and returns a dispatcher for the
// result. The kernel itself is not modified.
func (rt *Runtime) ApplyTransforms(k *Kernel, names []string, a args.Args) (*Dispatcher, error) {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return nil, err
	}
	prog = prog.Clone()
	if err := transform.Apply(prog, names...); err != nil {
		return nil, err
	}
	return &Dispatcher{rt: rt, program: prog}, nil
}

// MeasureAll returns a copy of the captured kernel with every qubit
// measured. The program is named after the Z string it measures, so its
// result can be read with observable.AllZ.
func (rt *Runtime) MeasureAll(k *Kernel, a args.Args) (*ir.Program, error) {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return nil, err
	}
	n := prog.NQubits()
	if reg := a.Register(); reg != nil && reg.Size() > n {
		n = reg.Size()
	}
	progs, err := observable.AllZ(n).Observe(prog)
	if err != nil {
		return nil, err
	}
	if len(progs) == 0 {
		return prog.Clone(), nil
	}
	return progs[0], nil
}

// Observe measures obs on k bound to a and returns the aggregated value.
// Results are written to the register argument when a has one.
func (rt *Runtime) Observe(ctx context.Context, k *Kernel, obs observable.Observable, a args.Args) (float64, error) {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return 0, err
	}
	return rt.observeProgram(ctx, prog, obs, a.Register())
}

// ObserveProgram is Observe for an already captured program.
func (rt *Runtime) ObserveProgram(ctx context.Context, prog *ir.Program, obs observable.Observable, reg *buffer.Register) (float64, error) {
	return rt.observeProgram(ctx, prog, obs, reg)
}

func (rt *Runtime) observeProgram(ctx context.Context, prog *ir.Program, obs observable.Observable, reg *buffer.Register) (float64, error) {
	if obs == nil {
		return 0, qverrors.E(qverrors.KindInvalid, "observe: nil observable")
	}
	if reg == nil {
		reg = buffer.NewRegister(prog.Name, prog.NQubits())
	}
	progs, err := obs.Observe(prog)
	if err != nil {
		return 0, err
	}
	reg.Reset()
	if err := rt.Execute(ctx, reg, progs); err != nil {
		return 0, err
	}
	return obs.Aggregate(reg)
}

// Print writes the captured kernel in text form.
func (rt *Runtime) Print(w io.Writer, k *Kernel, a args.Args) error {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, prog.Listing())
	return err
}

// NInstructions counts the instructions of the captured kernel.
func (rt *Runtime) NInstructions(k *Kernel, a args.Args) (int, error) {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return 0, err
	}
	return prog.NInstructions(), nil
}

// Depth is the circuit depth of the captured kernel.
func (rt *Runtime) Depth(k *Kernel, a args.Args) (int, error) {
	prog, err := rt.Capture(k, a)
	if err != nil {
		return 0, err
	}
	return prog.Depth(), nil
}
