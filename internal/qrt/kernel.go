package qrt

import (
	"github.com/copyleftdev/qvopt/internal/args"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Func builds a kernel's structure by emitting instructions on b.
type Func func(b *Builder, a args.Args) error

// Kernel is either structural, wrapping an already built program, or
// callable, wrapping a Func that builds one on demand. Either way it carries
// the shape of the arguments it accepts.
type Kernel struct {
	Name  string
	Shape args.Shape

	fn      Func
	program *ir.Program
}

// NewKernel returns a callable kernel. fn runs inside a capture session and
// must build everything through its Builder: starting a capture on the same
// Runtime from fn, for example with Runtime.Controlled, returns an Invalid
// error.
func NewKernel(name string, shape args.Shape, fn Func) *Kernel {
	return &Kernel{Name: name, Shape: shape, fn: fn}
}

// FromProgram returns a structural kernel over p. Its shape is a register
// followed by p's declared parameters.
func FromProgram(p *ir.Program) *Kernel {
	return &Kernel{Name: p.Name, Shape: args.ShapeOf(p), program: p}
}

// FromSource compiles src into a structural kernel.
func FromSource(src string) (*Kernel, error) {
	p, err := ir.Compile(src)
	if err != nil {
		return nil, err
	}
	return FromProgram(p), nil
}

// IsStructural reports whether the kernel wraps a built program.
func (k *Kernel) IsStructural() bool { return k.program != nil }

// Program returns the wrapped program of a structural kernel, or nil.
func (k *Kernel) Program() *ir.Program { return k.program }

// Capture returns the structural program for k bound to a.
//
// A structural kernel is rebound in place and the same program is returned;
// its structure is never rebuilt. A callable kernel is invoked once inside
// a capture session and a freshly built program is returned.
func (rt *Runtime) Capture(k *Kernel, a args.Args) (*ir.Program, error) {
	if k == nil {
		return nil, qverrors.E(qverrors.KindInvalid, "capture: nil kernel")
	}
	if err := k.Shape.Check(a); err != nil {
		return nil, qverrors.Wrapf(err, "kernel %s", k.Name).WithOperation("Capture")
	}
	if k.IsStructural() {
		if err := k.program.Rebind(args.Flatten(a)); err != nil {
			return nil, err
		}
		return k.program, nil
	}
	return rt.session("Capture", k.Name, func(b *Builder) error {
		return k.fn(b, a)
	})
}

// Controlled captures k with every emitted instruction controlled on ctrl.
// Inside a kernel body use Builder.Controlled instead.
func (rt *Runtime) Controlled(ctrl []int, k *Kernel, a args.Args) (*ir.Program, error) {
	if k == nil {
		return nil, qverrors.E(qverrors.KindInvalid, "controlled: nil kernel")
	}
	return rt.session("Controlled", k.Name, func(b *Builder) error {
		return b.Controlled(ctrl, k, a)
	})
}
