// Package ir is the structural program representation: a tree of gate
// instructions whose rotation angles may refer to runtime parameters.
package ir

import (
	"fmt"
	"strconv"
	"strings"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
)

// Variable declares a runtime parameter of a program. Scalars have Width 1.
type Variable struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Vector bool   `json:"vector"`
}

// Scalar declares a scalar runtime parameter.
func Scalar(name string) Variable { return Variable{Name: name, Width: 1} }

// Vector declares a vector runtime parameter of the given width.
func Vector(name string, width int) Variable {
	return Variable{Name: name, Width: width, Vector: true}
}

// Param is an instruction parameter: a literal when Ref < 0, otherwise
// Coeff times the bound runtime value at flat index Ref.
type Param struct {
	Ref   int
	Value float64
	Coeff float64
	Label string
}

// Lit returns a literal parameter.
func Lit(v float64) Param { return Param{Ref: -1, Value: v} }

// IsLiteral reports whether p does not depend on runtime arguments.
func (p Param) IsLiteral() bool { return p.Ref < 0 }

func (p Param) String() string {
	if p.IsLiteral() {
		return strconv.FormatFloat(p.Value, 'g', -1, 64)
	}
	switch p.Coeff {
	case 1:
		return p.Label
	case -1:
		return "-" + p.Label
	default:
		return strconv.FormatFloat(p.Coeff, 'g', -1, 64) + "*" + p.Label
	}
}

// Instruction is a gate application or, when Body is set, a composite
// instruction wrapping a sub-program.
type Instruction struct {
	Name     string
	Qubits   []int
	Controls []int
	Params   []Param
	Body     *Program
}

// NewInstruction builds a gate instruction.
func NewInstruction(name string, qubits []int, params ...Param) *Instruction {
	return &Instruction{
		Name:   Canonical(name),
		Qubits: append([]int(nil), qubits...),
		Params: append([]Param(nil), params...),
	}
}

// Gate builds a gate instruction with literal parameters.
func Gate(name string, qubits []int, values ...float64) *Instruction {
	params := make([]Param, len(values))
	for i, v := range values {
		params[i] = Lit(v)
	}
	return NewInstruction(name, qubits, params...)
}

// IsComposite reports whether the instruction wraps a sub-program.
func (in *Instruction) IsComposite() bool { return in.Body != nil }

func (in *Instruction) clone() *Instruction {
	out := &Instruction{
		Name:     in.Name,
		Qubits:   append([]int(nil), in.Qubits...),
		Controls: append([]int(nil), in.Controls...),
		Params:   append([]Param(nil), in.Params...),
	}
	if in.Body != nil {
		out.Body = in.Body.Clone()
	}
	return out
}

// Program is a named, parameterized instruction sequence.
type Program struct {
	Name         string
	Vars         []Variable
	Instructions []*Instruction

	bound []float64
}

// NewProgram returns an empty program.
func NewProgram(name string) *Program {
	return &Program{Name: name}
}

// Declare appends runtime parameters; their bound values start at zero.
func (p *Program) Declare(vars ...Variable) *Program {
	for _, v := range vars {
		if v.Width < 1 {
			v.Width = 1
		}
		p.Vars = append(p.Vars, v)
		p.bound = append(p.bound, make([]float64, v.Width)...)
	}
	return p
}

// Width is the number of flat runtime values the program expects.
func (p *Program) Width() int {
	n := 0
	for _, v := range p.Vars {
		n += v.Width
	}
	return n
}

// Ref builds a parameter referring to element index of the named variable.
// index is ignored for scalar variables.
func (p *Program) Ref(name string, index int, coeff float64) (Param, error) {
	offset := 0
	for _, v := range p.Vars {
		if v.Name != name {
			offset += v.Width
			continue
		}
		label := v.Name
		if v.Vector {
			if index < 0 || index >= v.Width {
				return Param{}, qverrors.E(qverrors.KindShapeMismatch,
					"index %d out of range for %s[%d]", index, v.Name, v.Width)
			}
			label = fmt.Sprintf("%s[%d]", v.Name, index)
		} else {
			index = 0
		}
		return Param{Ref: offset + index, Coeff: coeff, Label: label}, nil
	}
	return Param{}, qverrors.E(qverrors.KindNotFound, "program %s has no parameter %q", p.Name, name)
}

// Add appends instructions.
func (p *Program) Add(ins ...*Instruction) *Program {
	p.Instructions = append(p.Instructions, ins...)
	return p
}

// Rebind updates the runtime arguments in place. The structure is untouched.
func (p *Program) Rebind(flat []float64) error {
	if len(flat) != p.Width() {
		return qverrors.E(qverrors.KindShapeMismatch,
			"program %s expects %d parameters, got %d", p.Name, p.Width(), len(flat))
	}
	if len(p.bound) != len(flat) {
		p.bound = make([]float64, len(flat))
	}
	copy(p.bound, flat)
	return nil
}

// Bound returns a copy of the currently bound runtime values.
func (p *Program) Bound() []float64 {
	return append([]float64(nil), p.bound...)
}

// Resolve evaluates a parameter against the bound values.
func (p *Program) Resolve(pr Param) float64 {
	if pr.IsLiteral() || pr.Ref >= len(p.bound) {
		return pr.Value
	}
	return pr.Coeff * p.bound[pr.Ref]
}

// Walk visits every non-composite instruction depth-first. The instruction
// passed to fn is a resolved copy: literal parameters, and the controls of
// all enclosing composites merged into Controls.
func (p *Program) Walk(fn func(*Instruction) error) error {
	return p.walk(nil, fn)
}

func (p *Program) walk(controls []int, fn func(*Instruction) error) error {
	for _, in := range p.Instructions {
		ctrl := controls
		if len(in.Controls) > 0 {
			ctrl = append(append([]int(nil), controls...), in.Controls...)
		}
		if in.IsComposite() {
			if err := in.Body.walk(ctrl, fn); err != nil {
				return err
			}
			continue
		}
		resolved := &Instruction{
			Name:     in.Name,
			Qubits:   append([]int(nil), in.Qubits...),
			Controls: append([]int(nil), ctrl...),
			Params:   make([]Param, len(in.Params)),
		}
		for i, pr := range in.Params {
			resolved.Params[i] = Lit(p.Resolve(pr))
		}
		if err := fn(resolved); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns a literal, non-composite copy of the program.
func (p *Program) Flatten() *Program {
	out := NewProgram(p.Name)
	_ = p.Walk(func(in *Instruction) error {
		out.Instructions = append(out.Instructions, in)
		return nil
	})
	return out
}

// Clone deep-copies the program including bound values.
func (p *Program) Clone() *Program {
	out := &Program{
		Name:  p.Name,
		Vars:  append([]Variable(nil), p.Vars...),
		bound: append([]float64(nil), p.bound...),
	}
	out.Instructions = make([]*Instruction, len(p.Instructions))
	for i, in := range p.Instructions {
		out.Instructions[i] = in.clone()
	}
	return out
}

// NInstructions counts non-composite instructions.
func (p *Program) NInstructions() int {
	n := 0
	_ = p.Walk(func(*Instruction) error { n++; return nil })
	return n
}

// NQubits is one more than the largest qubit index referenced.
func (p *Program) NQubits() int {
	n := 0
	_ = p.Walk(func(in *Instruction) error {
		for _, q := range append(in.Qubits, in.Controls...) {
			if q+1 > n {
				n = q + 1
			}
		}
		return nil
	})
	return n
}

// Depth is the circuit depth: the longest chain of instructions sharing
// a qubit.
func (p *Program) Depth() int {
	layer := map[int]int{}
	depth := 0
	_ = p.Walk(func(in *Instruction) error {
		qs := append(append([]int(nil), in.Qubits...), in.Controls...)
		d := 0
		for _, q := range qs {
			if layer[q] > d {
				d = layer[q]
			}
		}
		d++
		for _, q := range qs {
			layer[q] = d
		}
		if d > depth {
			depth = d
		}
		return nil
	})
	return depth
}

// String renders the program in the text form accepted by Compile.
func (p *Program) String() string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "kernel %s\n", p.Name)
	}
	if len(p.Vars) > 0 {
		b.WriteString("params")
		for _, v := range p.Vars {
			if v.Vector {
				fmt.Fprintf(&b, " %s[%d]", v.Name, v.Width)
			} else {
				fmt.Fprintf(&b, " %s", v.Name)
			}
		}
		b.WriteByte('\n')
	}
	p.write(&b, nil, false)
	return b.String()
}

// Listing renders the program with every parameter replaced by its bound
// value. The params line is omitted.
func (p *Program) Listing() string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "kernel %s\n", p.Name)
	}
	p.write(&b, nil, true)
	return b.String()
}

func (p *Program) write(b *strings.Builder, controls []int, literal bool) {
	for _, in := range p.Instructions {
		ctrl := controls
		if len(in.Controls) > 0 {
			ctrl = append(append([]int(nil), controls...), in.Controls...)
		}
		if in.IsComposite() {
			// Nested bodies are inlined with their own bound values.
			in.Body.write(b, ctrl, true)
			continue
		}
		if len(ctrl) > 0 {
			b.WriteString("ctrl(" + joinInts(ctrl, ",") + ") ")
		}
		b.WriteString(in.Name)
		if len(in.Params) > 0 {
			parts := make([]string, len(in.Params))
			for i, pr := range in.Params {
				if literal {
					pr = Lit(p.Resolve(pr))
				}
				parts[i] = pr.String()
			}
			b.WriteString("(" + strings.Join(parts, ", ") + ")")
		}
		if len(in.Qubits) > 0 {
			b.WriteString(" " + joinInts(in.Qubits, " "))
		}
		b.WriteByte('\n')
	}
}

func joinInts(xs []int, sep string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, sep)
}

var canonical = map[string]string{
	"i": "I", "id": "I",
	"h": "H", "x": "X", "y": "Y", "z": "Z",
	"s": "S", "sdg": "Sdg", "t": "T", "tdg": "Tdg",
	"rx": "Rx", "ry": "Ry", "rz": "Rz",
	"cnot": "CNOT", "cx": "CNOT", "cz": "CZ", "swap": "Swap",
	"measure": "Measure", "mz": "Measure",
}

// Canonical maps known gate aliases onto one spelling; unknown names are
// returned unchanged.
func Canonical(name string) string {
	if c, ok := canonical[strings.ToLower(name)]; ok {
		return c
	}
	return name
}
