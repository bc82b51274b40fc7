// Package args maps flat parameter vectors onto kernel argument lists and back.
//
// A kernel declares its arguments as a Shape: an ordered list of register,
// scalar and vector slots. Optimizers address parameters positionally, so
// flattening always follows declaration order.
package args

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Kind is the type of one argument slot.
type Kind int

const (
	KindRegister Kind = iota
	KindScalar
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindScalar:
		return "scalar"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Slot is one declared kernel argument.
type Slot struct {
	Name  string
	Kind  Kind
	Width int
}

// RegisterSlot declares a qubit register argument.
func RegisterSlot(name string) Slot { return Slot{Name: name, Kind: KindRegister} }

// ScalarSlot declares a scalar argument.
func ScalarSlot(name string) Slot { return Slot{Name: name, Kind: KindScalar, Width: 1} }

// VectorSlot declares a vector argument of fixed width.
func VectorSlot(name string, width int) Slot {
	return Slot{Name: name, Kind: KindVector, Width: width}
}

// width is the number of flat values the slot consumes.
func (s Slot) width() int {
	switch s.Kind {
	case KindScalar:
		return 1
	case KindVector:
		return s.Width
	default:
		return 0
	}
}

// Shape is an ordered list of argument slots.
type Shape []Slot

// Width is the length of the flat vector matching the shape.
func (s Shape) Width() int {
	n := 0
	for _, slot := range s {
		n += slot.width()
	}
	return n
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, slot := range s {
		switch slot.Kind {
		case KindVector:
			parts[i] = fmt.Sprintf("%s:vector[%d]", slot.Name, slot.Width)
		default:
			parts[i] = fmt.Sprintf("%s:%s", slot.Name, slot.Kind)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ShapeOf derives the shape of a structural program: a leading register
// followed by the program's declared variables.
func ShapeOf(p *ir.Program) Shape {
	shape := Shape{RegisterSlot("q")}
	for _, v := range p.Vars {
		if v.Vector {
			shape = append(shape, VectorSlot(v.Name, v.Width))
		} else {
			shape = append(shape, ScalarSlot(v.Name))
		}
	}
	return shape
}

// Validate reports a ShapeMismatch for a vector slot with a negative width.
func (s Shape) Validate() error {
	for i, slot := range s {
		if slot.Kind == KindVector && slot.Width < 0 {
			return qverrors.E(qverrors.KindShapeMismatch,
				"slot %d (%s): negative vector width %d", i, slot.Name, slot.Width)
		}
	}
	return nil
}

// Check reports a ShapeMismatch when a does not conform to s.
func (s Shape) Check(a Args) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if len(a) != len(s) {
		return qverrors.E(qverrors.KindShapeMismatch,
			"expected %d arguments %s, got %d", len(s), s, len(a))
	}
	for i, slot := range s {
		v := a[i]
		if v.kind != slot.Kind {
			return qverrors.E(qverrors.KindShapeMismatch,
				"argument %d (%s): expected %s, got %s", i, slot.Name, slot.Kind, v.kind)
		}
		if slot.Kind == KindVector && len(v.vec) != slot.Width {
			return qverrors.E(qverrors.KindShapeMismatch,
				"argument %d (%s): expected width %d, got %d", i, slot.Name, slot.Width, len(v.vec))
		}
	}
	return nil
}

// Value is a single kernel argument: a register, a scalar or a vector.
type Value struct {
	kind   Kind
	reg    *buffer.Register
	scalar float64
	vec    []float64
}

// Reg wraps a register argument.
func Reg(r *buffer.Register) Value { return Value{kind: KindRegister, reg: r} }

// Scalar wraps a scalar argument.
func Scalar(v float64) Value { return Value{kind: KindScalar, scalar: v} }

// Vector wraps a vector argument. The slice is copied.
func Vector(v []float64) Value {
	return Value{kind: KindVector, vec: append([]float64(nil), v...)}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Register returns the wrapped register, or nil.
func (v Value) Register() *buffer.Register { return v.reg }

// Float returns the wrapped scalar.
func (v Value) Float() float64 { return v.scalar }

// Floats returns a copy of the wrapped vector.
func (v Value) Floats() []float64 { return append([]float64(nil), v.vec...) }

// Args is an ordered kernel argument list.
type Args []Value

// Shape returns the unnamed shape of the argument list.
func (a Args) Shape() Shape {
	s := make(Shape, len(a))
	for i, v := range a {
		s[i] = Slot{Kind: v.kind, Width: len(v.vec)}
		if v.kind == KindScalar {
			s[i].Width = 1
		}
	}
	return s
}

// Register returns the first register argument, or nil.
func (a Args) Register() *buffer.Register {
	for _, v := range a {
		if v.kind == KindRegister {
			return v.reg
		}
	}
	return nil
}

// Flatten concatenates the scalar and vector arguments in declaration
// order. Registers contribute nothing.
func Flatten(a Args) []float64 {
	out := make([]float64, 0, a.Shape().Width())
	for _, v := range a {
		switch v.kind {
		case KindScalar:
			out = append(out, v.scalar)
		case KindVector:
			out = append(out, v.vec...)
		}
	}
	return out
}

// Translate rebuilds an argument list for shape from the flat vector x.
// Register slots are filled with reg.
func Translate(shape Shape, x []float64, reg *buffer.Register) (Args, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(x) != shape.Width() {
		return nil, qverrors.E(qverrors.KindShapeMismatch,
			"shape %s needs %d values, got %d", shape, shape.Width(), len(x))
	}
	out := make(Args, len(shape))
	pos := 0
	for i, slot := range shape {
		switch slot.Kind {
		case KindRegister:
			out[i] = Reg(reg)
		case KindScalar:
			out[i] = Scalar(x[pos])
			pos++
		case KindVector:
			out[i] = Vector(x[pos : pos+slot.Width])
			pos += slot.Width
		}
	}
	return out, nil
}

// Translator maps an optimizer's flat parameter vector onto kernel arguments.
type Translator func(x []float64) (Args, error)

// ShapeTranslator returns the Translator for shape, binding reg to every
// register slot.
func ShapeTranslator(shape Shape, reg *buffer.Register) Translator {
	return func(x []float64) (Args, error) {
		return Translate(shape, x, reg)
	}
}

// Random returns n values drawn uniformly from [lo, hi).
func Random(lo, hi float64, n int, rng *rand.Rand) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + rng.Float64()*(hi-lo)
	}
	return out
}
