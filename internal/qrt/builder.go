package qrt

import (
	"github.com/copyleftdev/qvopt/internal/args"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Builder is the capture context handed to a kernel Func. It is only valid
// for the duration of the session it was created for.
type Builder struct {
	rt   *Runtime
	prog *ir.Program
}

// Program returns the program under construction.
func (b *Builder) Program() *ir.Program { return b.prog }

// Dispatching reports whether dispatch is enabled in this session. It is
// false for the whole of a capture.
func (b *Builder) Dispatching() bool { return b.rt.execute }

// Controls returns a copy of the active control qubits.
func (b *Builder) Controls() []int { return append([]int(nil), b.rt.controls...) }

// Gate appends a gate with literal parameters, controlled on the active
// control qubits.
func (b *Builder) Gate(name string, qubits []int, params ...float64) *Builder {
	in := ir.Gate(name, qubits, params...)
	if len(b.rt.controls) > 0 {
		in.Controls = append([]int(nil), b.rt.controls...)
	}
	b.prog.Add(in)
	return b
}

func (b *Builder) H(q int) *Builder { return b.Gate("H", []int{q}) }
func (b *Builder) X(q int) *Builder { return b.Gate("X", []int{q}) }
func (b *Builder) Y(q int) *Builder { return b.Gate("Y", []int{q}) }
func (b *Builder) Z(q int) *Builder { return b.Gate("Z", []int{q}) }
func (b *Builder) S(q int) *Builder { return b.Gate("S", []int{q}) }
func (b *Builder) T(q int) *Builder { return b.Gate("T", []int{q}) }

func (b *Builder) Rx(q int, theta float64) *Builder { return b.Gate("Rx", []int{q}, theta) }
func (b *Builder) Ry(q int, theta float64) *Builder { return b.Gate("Ry", []int{q}, theta) }
func (b *Builder) Rz(q int, theta float64) *Builder { return b.Gate("Rz", []int{q}, theta) }

func (b *Builder) CNOT(ctrl, target int) *Builder { return b.Gate("CNOT", []int{ctrl, target}) }
func (b *Builder) CZ(ctrl, target int) *Builder   { return b.Gate("CZ", []int{ctrl, target}) }

// Measure appends a measurement. Measurements are never controlled.
func (b *Builder) Measure(q int) *Builder {
	b.prog.Add(ir.Gate("Measure", []int{q}))
	return b
}

// Call emits kernel k with arguments a into the current program. A
// structural kernel becomes a composite instruction over a bound copy of its
// program; a callable kernel is invoked in place.
func (b *Builder) Call(k *Kernel, a args.Args) error {
	if err := k.Shape.Check(a); err != nil {
		return qverrors.Wrapf(err, "kernel %s", k.Name).WithOperation("Call")
	}
	if !k.IsStructural() {
		return k.fn(b, a)
	}
	body := k.program.Clone()
	if err := body.Rebind(args.Flatten(a)); err != nil {
		return err
	}
	in := &ir.Instruction{Name: k.Name, Body: body}
	if len(b.rt.controls) > 0 {
		in.Controls = append([]int(nil), b.rt.controls...)
	}
	b.prog.Add(in)
	return nil
}

// Controlled emits k with every instruction additionally controlled on
// ctrl. Dispatch stays suspended and the previous controls are restored
// afterwards, also when k fails.
func (b *Builder) Controlled(ctrl []int, k *Kernel, a args.Args) error {
	saved, savedExec := b.rt.controls, b.rt.execute
	b.rt.controls = append(append([]int(nil), saved...), ctrl...)
	b.rt.execute = false
	defer func() {
		b.rt.controls = saved
		b.rt.execute = savedExec
	}()

	if err := k.Shape.Check(a); err != nil {
		return qverrors.Wrapf(err, "kernel %s", k.Name).WithOperation("Controlled")
	}
	if !k.IsStructural() {
		return k.fn(b, a)
	}
	body := k.program.Clone()
	if err := body.Rebind(args.Flatten(a)); err != nil {
		return err
	}
	b.prog.Add(&ir.Instruction{Name: k.Name, Controls: b.rt.controls, Body: body})
	return nil
}

// Emit inlines a transformed program into the current program.
func (b *Builder) Emit(d *Dispatcher) error {
	return d.program.Walk(func(in *ir.Instruction) error {
		if len(b.rt.controls) > 0 && in.Name != "Measure" {
			in.Controls = append(append([]int(nil), b.rt.controls...), in.Controls...)
		}
		b.prog.Add(in)
		return nil
	})
}
